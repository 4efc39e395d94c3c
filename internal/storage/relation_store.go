package storage

import (
	"context"
	"fmt"
	"strings"
)

// RelationStore persists the chat thread → assistant session mapping.
//
// Every operation is idempotent. Get on an unknown key reports found == false
// with a nil error; absence is never an error.
type RelationStore interface {
	Get(ctx context.Context, chatThreadID string) (Relation, bool, error)
	Upsert(ctx context.Context, chatThreadID, assistantSessionID string) error
	Delete(ctx context.Context, chatThreadID string) error

	// List returns up to limit relations, most recently updated first.
	List(ctx context.Context, limit int) ([]Relation, error)
	Close() error
}

// Open creates the relation store selected by opts.Driver
func Open(ctx context.Context, opts Options) (RelationStore, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}

	switch strings.ToLower(opts.Driver) {
	case "", DriverSQLite, DriverLibSQL:
		if opts.DSN == "" {
			path, err := NewPathManager().GetRelationDatabasePath()
			if err != nil {
				return nil, fmt.Errorf("failed to get default relation database path: %w", err)
			}
			opts.DSN = path
		}
		driver := opts.Driver
		if driver == "" {
			driver = DriverSQLite
		}
		return NewSQLRelationStore(ctx, driver, opts.DSN, opts.Table)
	case DriverPostgres, DriverMySQL:
		if opts.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the %s driver", opts.Driver)
		}
		return NewSQLRelationStore(ctx, strings.ToLower(opts.Driver), opts.DSN, opts.Table)
	case DriverDynamoDB:
		return NewDynamoRelationStore(ctx, opts.Table, opts.Region, opts.Endpoint)
	case DriverMemory:
		return NewMemoryRelationStore(), nil
	default:
		return nil, fmt.Errorf("unknown relation store driver: %s", opts.Driver)
	}
}
