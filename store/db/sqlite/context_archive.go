package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/kbot/store"
)

func (d *DB) CreateArchivedPairs(ctx context.Context, pairs []*store.ArchivedPair) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO context_archive (scope, user_id, record_id, user_text, ai_text, evicted_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()

	for _, p := range pairs {
		if err := stmt.QueryRowContext(ctx, p.Scope, p.UserID, p.RecordID, p.UserText, p.AIText, p.EvictedAt).Scan(&p.ID); err != nil {
			return errors.Wrap(err, "failed to insert archived pair")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit archived pairs")
}

func buildListQuery(find *store.FindArchivedPair) (string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if find.Scope != nil {
		where, args = append(where, "scope = ?"), append(args, *find.Scope)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}

	query := `SELECT id, scope, user_id, record_id, user_text, ai_text, evicted_at FROM context_archive WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
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
