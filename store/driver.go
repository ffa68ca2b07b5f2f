package store

import (
	"context"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	Close() error

	// Migrate creates the tables the driver needs. It is idempotent.
	Migrate(ctx context.Context) error

	// ContextArchive model related methods.
	CreateArchivedPairs(ctx context.Context, pairs []*ArchivedPair) error
	ListArchivedPairs(ctx context.Context, find *FindArchivedPair) ([]*ArchivedPair, error)
}
