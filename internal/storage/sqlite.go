package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "hookrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Counts(ctx context.Context, tenantID string, buckets ...Bucket) ([]int64, error) {
	if err := validBuckets(buckets); err != nil {
		return nil, err
	}
	out := make([]int64, len(buckets))
	for i, b := range buckets {
		err := s.db.QueryRowContext(ctx,
			`SELECT count FROM quota_counters WHERE tenant_id = ? AND kind = ? AND bucket = ?`,
			tenantID, string(b.Kind), b.ID,
		).Scan(&out[i])
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) Increment(ctx context.Context, tenantID string, buckets ...Bucket) error {
	if err := validBuckets(buckets); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quota_counters(tenant_id, kind, bucket, window_start, count)
			 VALUES(?,?,?,?,1)
			 ON CONFLICT(tenant_id, kind, bucket) DO UPDATE SET count = count + 1`,
			tenantID, string(b.Kind), b.ID, b.Start.Unix(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Prune(ctx context.Context, c Cutoff) (int64, error) {
	var total int64
	for _, k := range []struct {
		kind   Kind
		before time.Time
	}{{KindShort, c.ShortBefore}, {KindMonthly, c.MonthlyBefore}} {
		if k.before.IsZero() {
			continue
		}
		q := `DELETE FROM quota_counters WHERE kind = ? AND window_start < ?`
		args := []any{string(k.kind), k.before.Unix()}
		if c.TenantID != "" {
			q += ` AND tenant_id = ?`
			args = append(args, c.TenantID)
		}
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
