package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLRelationStore implements RelationStore on database/sql.
// sqlite, libsql, postgres and mysql share the same schema.
type SQLRelationStore struct {
	db      *sql.DB
	dialect string
	table   string
}

// NewSQLRelationStore opens the database, verifies the connection and
// creates the relation table if it does not exist yet
func NewSQLRelationStore(ctx context.Context, dialect, dsn, table string) (*SQLRelationStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid relation table name: %q", table)
	}

	driverName, source, err := driverSource(dialect, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dsn == ":memory:" {
		// Each connection to an in-memory sqlite database is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLRelationStore{db: db, dialect: dialect, table: table}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info("relation store initialized", "driver", dialect, "table", table)
	return store, nil
}

func driverSource(dialect, dsn string) (string, string, error) {
	switch dialect {
	case DriverSQLite:
		if dsn == ":memory:" {
			return "sqlite", dsn, nil
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return "", "", fmt.Errorf("failed to create database directory: %w", err)
		}
		return "sqlite", dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case DriverLibSQL:
		if strings.Contains(dsn, "://") {
			return "libsql", dsn, nil
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return "", "", fmt.Errorf("failed to create database directory: %w", err)
		}
		return "libsql", "file:" + dsn, nil
	case DriverPostgres:
		return "postgres", dsn, nil
	case DriverMySQL:
		return "mysql", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}

func (s *SQLRelationStore) initSchema(ctx context.Context) error {
	var schema string
	switch s.dialect {
	case DriverMySQL:
		schema = `CREATE TABLE IF NOT EXISTS %s (
			discord_thread_id VARCHAR(64) NOT NULL PRIMARY KEY,
			assistant_thread_id VARCHAR(128) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`
	case DriverPostgres:
		schema = `CREATE TABLE IF NOT EXISTS %s (
			discord_thread_id TEXT NOT NULL PRIMARY KEY,
			assistant_thread_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`
	default:
		schema = `CREATE TABLE IF NOT EXISTS %s (
			discord_thread_id TEXT NOT NULL PRIMARY KEY,
			assistant_thread_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, s.table)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form
func (s *SQLRelationStore) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Get returns the relation for a chat thread
func (s *SQLRelationStore) Get(ctx context.Context, chatThreadID string) (Relation, bool, error) {
	query := s.rebind(fmt.Sprintf(`SELECT discord_thread_id, assistant_thread_id, created_at, updated_at
		FROM %s WHERE discord_thread_id = ?`, s.table))

	var rel Relation
	var created, updated int64
	err := s.db.QueryRowContext(ctx, query, chatThreadID).Scan(&rel.ChatThreadID, &rel.AssistantSessionID, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Relation{}, false, nil
		}
		return Relation{}, false, fmt.Errorf("failed to get relation: %w", err)
	}

	rel.CreatedAt = time.UnixMilli(created)
	rel.UpdatedAt = time.UnixMilli(updated)
	return rel, true, nil
}

// Upsert creates the relation or replaces its assistant session
func (s *SQLRelationStore) Upsert(ctx context.Context, chatThreadID, assistantSessionID string) error {
	var query string
	if s.dialect == DriverMySQL {
		query = `INSERT INTO %s (discord_thread_id, assistant_thread_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE assistant_thread_id = VALUES(assistant_thread_id), updated_at = VALUES(updated_at)`
	} else {
		query = `INSERT INTO %s (discord_thread_id, assistant_thread_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (discord_thread_id) DO UPDATE SET
				assistant_thread_id = excluded.assistant_thread_id,
				updated_at = excluded.updated_at`
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.rebind(fmt.Sprintf(query, s.table)), chatThreadID, assistantSessionID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert relation: %w", err)
	}
	return nil
}

// Delete removes the relation; deleting a missing key succeeds
func (s *SQLRelationStore) Delete(ctx context.Context, chatThreadID string) error {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE discord_thread_id = ?`, s.table))
	if _, err := s.db.ExecContext(ctx, query, chatThreadID); err != nil {
		return fmt.Errorf("failed to delete relation: %w", err)
	}
	return nil
}

// List returns relations ordered by most recent update
func (s *SQLRelationStore) List(ctx context.Context, limit int) ([]Relation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.rebind(fmt.Sprintf(`SELECT discord_thread_id, assistant_thread_id, created_at, updated_at
		FROM %s ORDER BY updated_at DESC LIMIT ?`, s.table))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	defer rows.Close()

	var relations []Relation
	for rows.Next() {
		var rel Relation
		var created, updated int64
		if err := rows.Scan(&rel.ChatThreadID, &rel.AssistantSessionID, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		rel.CreatedAt = time.UnixMilli(created)
		rel.UpdatedAt = time.UnixMilli(updated)
		relations = append(relations, rel)
	}

	return relations, rows.Err()
}

// Close closes the database connection
func (s *SQLRelationStore) Close() error {
	return s.db.Close()
}
