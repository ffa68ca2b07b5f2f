package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/kbot/ai/memory"
)

// ArchivedPair is one history pair evicted from a context window.
// The archive is an audit sink: rows are never loaded back into a window.
type ArchivedPair struct {
	ID        int64
	Scope     string
	UserID    string
	RecordID  string // record whose insertion caused the eviction
	UserText  string
	AIText    string
	EvictedAt int64 // unix seconds
}

// FindArchivedPair filters archived pairs. Results are ordered by id.
type FindArchivedPair struct {
	Scope  *string
	UserID *string
	Limit  int
}

// ArchiveHook returns an eviction hook that writes evicted pairs of the
// given scope into the archive.
func (s *Store) ArchiveHook(scope string) memory.EvictionHook {
	return memory.HookFunc(func(ctx context.Context, userID string, evicted []memory.Pair, recordID string) error {
		now := time.Now().Unix()
		rows := make([]*ArchivedPair, 0, len(evicted))
		for _, p := range evicted {
			rows = append(rows, &ArchivedPair{
				Scope:     scope,
				UserID:    userID,
				RecordID:  recordID,
				UserText:  p.User,
				AIText:    p.AI,
				EvictedAt: now,
			})
		}
		if err := s.CreateArchivedPairs(ctx, rows); err != nil {
			return errors.Wrapf(err, "failed to archive %d evicted pairs", len(rows))
		}
		slog.Debug("store: archived evicted pairs", "scope", scope, "user_id", userID, "count", len(rows))
		return nil
	})
}
