package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Pending is a locally staged document write.
type Pending struct {
	Key         string `db:"key"`
	Data        []byte `db:"data"`
	BaseVersion string `db:"base_version"`
	LocalSeq    int64  `db:"local_seq"`
	StagedAt    int64  `db:"staged_at"`
}

// SyncEntry is one line of the sync log.
type SyncEntry struct {
	ID       int64  `db:"id"`
	Key      string `db:"key"`
	Outcome  string `db:"outcome"`
	Detail   string `db:"detail"`
	LoggedAt int64  `db:"logged_at"`
}

// Get returns the pending write for key, or nil.
func (db *DB) Get(ctx context.Context, key string) (*Pending, error) {
	query, args, err := sq.Select("key", "data", "base_version", "local_seq", "staged_at").
		From("pending_writes").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var p Pending
	if err := db.conn.GetContext(ctx, &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pending %s: %w", key, err)
	}
	return &p, nil
}

// Stage records data as the pending content of key. The base version is kept
// from the first staging of the key; the local sequence grows on each write.
func (db *DB) Stage(ctx context.Context, key string, data []byte, baseVersion string, now time.Time) (*Pending, error) {
	query, args, err := sq.Insert("pending_writes").
		Columns("key", "data", "base_version", "local_seq", "staged_at").
		Values(key, data, baseVersion, 1, now.Unix()).
		Suffix("ON CONFLICT(key) DO UPDATE SET data = excluded.data, local_seq = pending_writes.local_seq + 1, staged_at = excluded.staged_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("staging %s: %w", key, err)
	}
	return db.Get(ctx, key)
}

// List returns every pending write ordered by key.
func (db *DB) List(ctx context.Context) ([]Pending, error) {
	query, args, err := sq.Select("key", "data", "base_version", "local_seq", "staged_at").
		From("pending_writes").
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []Pending
	if err := db.conn.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing pending writes: %w", err)
	}
	return out, nil
}

// Remove deletes the pending write for key.
func (db *DB) Remove(ctx context.Context, key string) error {
	query, args, err := sq.Delete("pending_writes").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("removing pending %s: %w", key, err)
	}
	return nil
}

// LogSync appends an entry to the sync log.
func (db *DB) LogSync(ctx context.Context, key, outcome, detail string, now time.Time) error {
	query, args, err := sq.Insert("sync_log").
		Columns("key", "outcome", "detail", "logged_at").
		Values(key, outcome, detail, now.Unix()).
		ToSql()
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, query, args...)
	return err
}

// RecentSyncs returns the latest sync log entries, newest first.
func (db *DB) RecentSyncs(ctx context.Context, limit uint64) ([]SyncEntry, error) {
	query, args, err := sq.Select("id", "key", "outcome", "detail", "logged_at").
		From("sync_log").
		OrderBy("id DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []SyncEntry
	if err := db.conn.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("reading sync log: %w", err)
	}
	return out, nil
}
