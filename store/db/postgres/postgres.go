package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/kbot/internal/profile"
	"github.com/hrygo/kbot/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection pool for profile.DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS context_archive (
		id BIGSERIAL PRIMARY KEY,
		scope TEXT NOT NULL,
		user_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		user_text TEXT NOT NULL,
		ai_text TEXT NOT NULL,
		evicted_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_context_archive_user ON context_archive (scope, user_id)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate context_archive")
		}
	}
	return nil
}

// placeholder returns the n-th positional parameter.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(from, count int) string {
	s := ""
	for i := 0; i < count; i++ {
		if i > 0 {
			s += ", "
		}
		s += placeholder(from + i)
	}
	return s
}
