package cmd

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("THREADBRIDGE_STORE_DRIVER", "sqlite")
	t.Setenv("THREADBRIDGE_STORE_DSN", filepath.Join(dir, "relations.db"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "threadbridge dev")
}

func TestRelations(t *testing.T) {
	sqliteEnv(t)

	out, err := execute(t, "relations", "set", "111", "thread_abc")
	require.NoError(t, err)
	assert.Contains(t, out, "thread 111 -> session thread_abc")

	out, err = execute(t, "relations", "get", "111")
	require.NoError(t, err)
	assert.Contains(t, out, "THREAD")
	assert.Contains(t, out, "thread_abc")

	_, err = execute(t, "relations", "set", "222", "thread_def")
	require.NoError(t, err)

	out, err = execute(t, "relations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "111")
	assert.Contains(t, out, "222")

	_, err = execute(t, "relations", "delete", "111")
	require.NoError(t, err)

	_, err = execute(t, "relations", "get", "111")
	assert.Error(t, err)
}

func TestRelations_ArgumentValidation(t *testing.T) {
	sqliteEnv(t)

	_, err := execute(t, "relations", "set", "only-one")
	assert.Error(t, err)
}

func TestServe_RejectsMissingSecrets(t *testing.T) {
	sqliteEnv(t)
	for _, name := range []string{"DISCORD_TOKEN", "OPENAI_API_KEY", "THREADBRIDGE_DISCORD_TOKEN", "THREADBRIDGE_OPENAI_API_KEY"} {
		t.Setenv(name, "")
	}

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord.token")
}
