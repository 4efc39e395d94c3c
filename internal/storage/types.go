package storage

import "time"

// Relation links a chat thread to the assistant session that mirrors it
type Relation struct {
	ChatThreadID       string    `json:"chat_thread_id"`
	AssistantSessionID string    `json:"assistant_session_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasSession reports whether the relation points at a live assistant session
func (r Relation) HasSession() bool {
	return r.AssistantSessionID != ""
}

// Driver names accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// DefaultTable is the table (or DynamoDB table) holding relations
const DefaultTable = "thread_relation"

// Options configures a relation store backend
type Options struct {
	Driver string
	// DSN is a file path for sqlite/libsql and a connection string for postgres/mysql.
	DSN      string
	Table    string
	Region   string
	Endpoint string
}
