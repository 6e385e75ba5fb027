package backend

import (
	"context"

	"flatmates/internal/services"
	"flatmates/internal/sheets"
)

// Backend is a store that can also prepare itself on first use.
type Backend interface {
	sheets.Store
	sheets.Initializer
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult carries the ready store, the publisher (nil when AMQP is
// disabled or unreachable) and the resources to release on shutdown.
type BackendResult struct {
	Backend   Backend
	Publisher services.Publisher
	Cleanup   CleanupFunc
}

// Close runs Cleanup when set.
func (r *BackendResult) Close() error {
	if r == nil || r.Cleanup == nil {
		return nil
	}
	return r.Cleanup()
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Memory backend specific
	DataDirectory string

	// Roster written by Setup into an empty flatmates table.
	SeedFlatmates []string

	// Optional event publishing
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	SheetsBackend BackendType = "sheets"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, SheetsBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
