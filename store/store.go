package store

import (
	"context"

	"github.com/hrygo/kbot/internal/profile"
)

// Store provides database access to the eviction archive.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

// Migrate creates the archive schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateArchivedPairs(ctx context.Context, pairs []*ArchivedPair) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.driver.CreateArchivedPairs(ctx, pairs)
}

func (s *Store) ListArchivedPairs(ctx context.Context, find *FindArchivedPair) ([]*ArchivedPair, error) {
	return s.driver.ListArchivedPairs(ctx, find)
}
