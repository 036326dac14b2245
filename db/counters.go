package db

import (
	"context"
	"database/sql"
)

const (
	sqlInsertCounterIfAbsent = `INSERT INTO counters(id, value) VALUES (?, 0) ON CONFLICT(id) DO NOTHING`
	sqlCompareAndSwapCounter = `UPDATE counters SET value = ? WHERE id = ? AND value = ?`
	sqlUpsertCounter         = `INSERT INTO counters(id, value) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET value = excluded.value`
	sqlDeleteCounter         = `DELETE FROM counters WHERE id = ?`
)

// GetCounters returns the stored text form of every existing counter in ids.
func (db *DB) GetCounters(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, CAST(value AS TEXT) FROM counters WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var value sql.NullString
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value.String
	}
	return out, rows.Err()
}

func (db *DB) InsertCounterIfAbsent(ctx context.Context, id string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertCounterIfAbsent, id)
		return err
	})
}

// CompareAndSwapCounter writes value only if the row still holds old, as
// read by GetCounters. It reports whether the write happened.
func (db *DB) CompareAndSwapCounter(ctx context.Context, id string, old string, value int64) (bool, error) {
	swapped := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlCompareAndSwapCounter, value, id, old)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		swapped = n == 1
		return err
	})
	return swapped, err
}

func (db *DB) SetCounter(ctx context.Context, id string, value int64) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertCounter, id, value)
		return err
	})
}

func (db *DB) DeleteCounter(ctx context.Context, id string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteCounter, id)
		return err
	})
}
