package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/entrepeneur4lyf/threadbridge/internal/app"
	"github.com/entrepeneur4lyf/threadbridge/internal/storage"
	"github.com/spf13/cobra"
)

var relationsLimit int

var relationsCmd = &cobra.Command{
	Use:   "relations",
	Short: "Inspect and repair thread to session relations",
}

var relationsGetCmd = &cobra.Command{
	Use:   "get <thread-id>",
	Short: "Show the session linked to a thread",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, store storage.RelationStore, args []string) error {
		rel, found, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no relation for thread %s", args[0])
		}
		printRelations(cmd, []storage.Relation{rel})
		return nil
	}),
}

var relationsSetCmd = &cobra.Command{
	Use:   "set <thread-id> <session-id>",
	Short: "Link a thread to an assistant session",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(cmd *cobra.Command, store storage.RelationStore, args []string) error {
		if err := store.Upsert(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "thread %s -> session %s\n", args[0], args[1])
		return nil
	}),
}

var relationsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Forget a thread; the assistant session is left alone",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, store storage.RelationStore, args []string) error {
		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted relation for thread %s\n", args[0])
		return nil
	}),
}

var relationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List relations, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, store storage.RelationStore, args []string) error {
		relations, err := store.List(cmd.Context(), relationsLimit)
		if err != nil {
			return err
		}
		printRelations(cmd, relations)
		return nil
	}),
}

func init() {
	relationsListCmd.Flags().IntVarP(&relationsLimit, "limit", "n", 50, "Maximum relations to show")

	relationsCmd.AddCommand(relationsGetCmd)
	relationsCmd.AddCommand(relationsSetCmd)
	relationsCmd.AddCommand(relationsDeleteCmd)
	relationsCmd.AddCommand(relationsListCmd)
}

// withStore opens the configured relation store around fn
func withStore(fn func(*cobra.Command, storage.RelationStore, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := app.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close relation store", "err", err)
			}
		}()
		return fn(cmd, store, args)
	}
}

func printRelations(cmd *cobra.Command, relations []storage.Relation) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSESSION\tUPDATED")
	for _, rel := range relations {
		session := rel.AssistantSessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rel.ChatThreadID, session, rel.UpdatedAt.UTC().Format(time.RFC3339))
	}
	w.Flush()
}
