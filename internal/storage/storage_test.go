package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "hookrelay/pkg/logx"
)

var t0 = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func shortBucket(id string, start time.Time) Bucket {
	return Bucket{Kind: KindShort, ID: id, Start: start, Expires: start.Add(30 * time.Minute)}
}

func monthBucket(id string, start time.Time) Bucket {
	return Bucket{Kind: KindMonthly, ID: id, Start: start, Expires: start.AddDate(0, 2, 0)}
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "quota.json")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	ss, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(dir, "quota.db")}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreCountsAndIncrements(t *testing.T) {
	ctx := context.Background()
	s1 := shortBucket("1940", t0)
	m1 := monthBucket("2025-03", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.Counts(ctx, "t1", s1, m1)
			require.NoError(t, err)
			assert.Equal(t, []int64{0, 0}, got)

			for i := 0; i < 3; i++ {
				require.NoError(t, st.Increment(ctx, "t1", s1, m1))
			}
			require.NoError(t, st.Increment(ctx, "t2", s1))

			got, err = st.Counts(ctx, "t1", s1, m1)
			require.NoError(t, err)
			assert.Equal(t, []int64{3, 3}, got)

			got, err = st.Counts(ctx, "t2", s1, m1)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 0}, got)
		})
	}
}

func TestStoreRejectsUnknownKind(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			err := st.Increment(ctx, "t1", Bucket{Kind: "weekly", ID: "x"})
			assert.ErrorIs(t, err, ErrUnknownKind)
		})
	}
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	old := shortBucket("1", t0.Add(-2*time.Hour))
	cur := shortBucket("2", t0)
	oldMonth := monthBucket("2024-12", time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC))
	curMonth := monthBucket("2025-03", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Increment(ctx, "a", old, oldMonth))
			require.NoError(t, st.Increment(ctx, "a", cur, curMonth))
			require.NoError(t, st.Increment(ctx, "b", old))

			n, err := st.Prune(ctx, Cutoff{TenantID: "a", ShortBefore: t0.Add(-time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, err := st.Counts(ctx, "b", old)
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, got, "other tenants are untouched")

			n, err = st.Prune(ctx, Cutoff{
				ShortBefore:   t0.Add(-time.Hour),
				MonthlyBefore: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			got, err = st.Counts(ctx, "a", cur, curMonth, oldMonth)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 1, 0}, got)
		})
	}
}

func TestStoreConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	b := shortBucket("7", t0)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, st.Increment(ctx, "c", b))
				}()
			}
			wg.Wait()
			got, err := st.Counts(ctx, "c", b)
			require.NoError(t, err)
			assert.Equal(t, []int64{20}, got)
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quota.json")
	b := shortBucket("9", t0)

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Increment(ctx, "t1", b))
	require.NoError(t, st.Increment(ctx, "t1", b))
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Counts(ctx, "t1", b)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got)
}

func TestFileStoreSurvivesCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quota.json")
	b := shortBucket("9", t0)

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < fileCompactEvery+5; i++ {
		require.NoError(t, st.Increment(ctx, "t1", b))
	}
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Counts(ctx, "t1", b)
	require.NoError(t, err)
	assert.Equal(t, []int64{fileCompactEvery + 5}, got)
}

func TestFileStoreSnapshotWithoutJournalResetDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quota.json")
	b := shortBucket("9", t0)

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Increment(ctx, "t1", b))
	}
	// Stop after the snapshot lands but before the journal is reset.
	fs := st.(*fileStore)
	fs.mu.Lock()
	require.NoError(t, fs.writeSnapshotLocked())
	fs.mu.Unlock()
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	got, err := st.Counts(ctx, "t1", b)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, got)

	require.NoError(t, st.Increment(ctx, "t1", b))
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err = st.Counts(ctx, "t1", b)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, got)
}

func TestFileStoreReadsArraySnapshotAndHeaderlessJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := shortBucket("9", t0)
	row := fmt.Sprintf(`{"t":"t1","k":"short","b":"9","s":%d`, t0.Unix())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "quota.counters.snapshot.json"), []byte("["+row+`,"n":2}]`+"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quota.counters.journal.jsonl"),
		[]byte(fmt.Sprintf(`{"t":"t1","i":[{"k":"short","b":"9","s":%d}]}`+"\n", t0.Unix())), 0o600))

	st, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "quota.json")}, logx.Nop())
	require.NoError(t, err)
	got, err := st.Counts(ctx, "t1", b)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, got)
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "quota.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err = st.Counts(ctx, "t1", b)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, got)
}

func TestMemoryIncrementBelow(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	short, month := shortBucket("9", t0), monthBucket("2025-03", t0)

	counts, ok, err := st.IncrementBelow(ctx, "t1", []int64{2, 10}, short, month)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{0, 0}, counts)

	_, ok, err = st.IncrementBelow(ctx, "t1", []int64{2, 10}, short, month)
	require.NoError(t, err)
	assert.True(t, ok)

	counts, ok, err = st.IncrementBelow(ctx, "t1", []int64{2, 10}, short, month)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []int64{2, 2}, counts)

	got, err := st.Counts(ctx, "t1", short, month)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2}, got)

	_, _, err = st.IncrementBelow(ctx, "t1", []int64{1}, short, month)
	assert.ErrorIs(t, err, ErrLimits)
}

func TestClosedStoreFails(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.Counts(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}
