package persistence

import (
	"context"
	"errors"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

var (
	// ErrNotFound is returned when an invocation id is unknown
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create when the id is taken
	ErrAlreadyExists = errors.New("already exists")
)

// PluginPersistence is implemented by every history backend.
type PluginPersistence interface {
	// InvocationStorage returns the invocation history store
	InvocationStorage() InvocationStorage

	// Health checks if the persistence backend is healthy
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend
	Close() error
}

// InvocationStorage keeps the bounded invocation history.
type InvocationStorage interface {
	// Create stores a new record and fails with ErrAlreadyExists on a duplicate id
	Create(ctx context.Context, rec *domain.InvocationRecord) error

	// Save overwrites an existing record
	Save(ctx context.Context, rec *domain.InvocationRecord) error

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*domain.InvocationRecord, error)

	// List returns the most recent records, newest first. An empty stage
	// lists every stage.
	List(ctx context.Context, stage domain.Stage, limit int) ([]*domain.InvocationRecord, error)

	// Count returns the number of retained records for a stage
	Count(ctx context.Context, stage domain.Stage) (int64, error)
}
