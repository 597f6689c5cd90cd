package staging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := getSchemaVersion(db.conn)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(), version)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staging.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	version, err := getSchemaVersion(db.conn)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(), version)
}

func TestStageKeepsBaseAndBumpsSeq(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	p, err := db.Stage(ctx, "metrics", []byte(`{"streak":1}`), "41", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.LocalSeq)
	assert.Equal(t, "41", p.BaseVersion)

	p, err = db.Stage(ctx, "metrics", []byte(`{"streak":2}`), "ignored", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.LocalSeq)
	assert.Equal(t, "41", p.BaseVersion, "base version is kept from the first stage")
	assert.JSONEq(t, `{"streak":2}`, string(p.Data))

	all, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, db.Remove(ctx, "metrics"))
	p, err = db.Get(ctx, "metrics")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSyncLog(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, db.LogSync(ctx, "topics", "uploaded", "", now))
	require.NoError(t, db.LogSync(ctx, "cache", "dropped", "remote moved on", now))

	entries, err := db.RecentSyncs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cache", entries[0].Key)
	assert.Equal(t, "dropped", entries[0].Outcome)
}
