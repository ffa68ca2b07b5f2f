package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/kbot/store"
)

const archiveColumns = 6

func buildInsertQuery(n int) string {
	values := make([]string, 0, n)
	for i := 0; i < n; i++ {
		values = append(values, "("+placeholders(i*archiveColumns+1, archiveColumns)+")")
	}
	return `INSERT INTO context_archive (scope, user_id, record_id, user_text, ai_text, evicted_at) VALUES ` +
		strings.Join(values, ", ") + ` RETURNING id`
}

func (d *DB) CreateArchivedPairs(ctx context.Context, pairs []*store.ArchivedPair) error {
	args := make([]any, 0, len(pairs)*archiveColumns)
	for _, p := range pairs {
		args = append(args, p.Scope, p.UserID, p.RecordID, p.UserText, p.AIText, p.EvictedAt)
	}

	rows, err := d.db.QueryContext(ctx, buildInsertQuery(len(pairs)), args...)
	if err != nil {
		return errors.Wrap(err, "failed to insert archived pairs")
	}
	defer rows.Close()

	// RETURNING yields ids in VALUES order.
	for i := 0; rows.Next() && i < len(pairs); i++ {
		if err := rows.Scan(&pairs[i].ID); err != nil {
			return errors.Wrap(err, "failed to scan archived pair id")
		}
	}
	return errors.Wrap(rows.Err(), "failed to read archived pair ids")
}

func buildListQuery(find *store.FindArchivedPair) (string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if find.Scope != nil {
		args = append(args, *find.Scope)
		where = append(where, fmt.Sprintf("scope = %s", placeholder(len(args))))
	}
	if find.UserID != nil {
		args = append(args, *find.UserID)
		where = append(where, fmt.Sprintf("user_id = %s", placeholder(len(args))))
	}

	query := `SELECT id, scope, user_id, record_id, user_text, ai_text, evicted_at FROM context_archive WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if find.Limit > 0 {
		args = append(args, find.Limit)
		query += fmt.Sprintf(" LIMIT %s", placeholder(len(args)))
	}
	return query, args
}

func (d *DB) ListArchivedPairs(ctx context.Context, find *store.FindArchivedPair) ([]*store.ArchivedPair, error) {
	query, args := buildListQuery(find)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list archived pairs")
	}
	defer rows.Close()

	list := []*store.ArchivedPair{}
	for rows.Next() {
		p := &store.ArchivedPair{}
		if err := rows.Scan(&p.ID, &p.Scope, &p.UserID, &p.RecordID, &p.UserText, &p.AIText, &p.EvictedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan archived pair")
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate archived pairs")
	}
	return list, nil
}
