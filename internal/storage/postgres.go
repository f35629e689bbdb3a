package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "hookrelay/pkg/logx"
)

const postgresIncrement = `
	INSERT INTO quota_counters (tenant_id, kind, bucket, window_start, count)
	VALUES ($1, $2, $3, $4, 1)
	ON CONFLICT (tenant_id, kind, bucket)
	DO UPDATE SET count = quota_counters.count + 1
`

// Postgres stores counters in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	st := NewPostgres(pool, log)
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}

// NewPostgres wraps an existing pool. The schema is not created.
func NewPostgres(pool *pgxpool.Pool, log logx.Logger) *Postgres {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Postgres{pool: pool, log: log}
}

func (p *Postgres) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, string(b))
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Counts(ctx context.Context, tenantID string, buckets ...Bucket) ([]int64, error) {
	if err := validBuckets(buckets); err != nil {
		return nil, err
	}
	query := `
		SELECT count
		FROM quota_counters
		WHERE tenant_id = $1 AND kind = $2 AND bucket = $3
	`
	out := make([]int64, len(buckets))
	for i, b := range buckets {
		err := p.pool.QueryRow(ctx, query, tenantID, string(b.Kind), b.ID).Scan(&out[i])
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) Increment(ctx context.Context, tenantID string, buckets ...Bucket) error {
	if err := validBuckets(buckets); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, b := range buckets {
			if _, err := tx.Exec(ctx, postgresIncrement, tenantID, string(b.Kind), b.ID, b.Start.Unix()); err != nil {
				return err
			}
		}
		return nil
	})
}

// IncrementBelow holds a transaction-scoped advisory lock on the tenant while
// it reads and increments, which serializes ledgers on other hosts too.
func (p *Postgres) IncrementBelow(ctx context.Context, tenantID string, limits []int64, buckets ...Bucket) ([]int64, bool, error) {
	if err := validLimits(limits, buckets); err != nil {
		return nil, false, err
	}
	out := make([]int64, len(buckets))
	applied := false
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('quota:' || $1::text))`, tenantID); err != nil {
			return err
		}
		for i, b := range buckets {
			err := tx.QueryRow(ctx,
				`SELECT count FROM quota_counters WHERE tenant_id = $1 AND kind = $2 AND bucket = $3`,
				tenantID, string(b.Kind), b.ID,
			).Scan(&out[i])
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}
		if !below(out, limits) {
			return nil
		}
		for _, b := range buckets {
			if _, err := tx.Exec(ctx, postgresIncrement, tenantID, string(b.Kind), b.ID, b.Start.Unix()); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (p *Postgres) Prune(ctx context.Context, c Cutoff) (int64, error) {
	var total int64
	for _, k := range []Kind{KindShort, KindMonthly} {
		before := c.ShortBefore
		if k == KindMonthly {
			before = c.MonthlyBefore
		}
		if before.IsZero() {
			continue
		}
		query := `DELETE FROM quota_counters WHERE kind = $1 AND window_start < $2`
		args := []any{string(k), before.Unix()}
		if c.TenantID != "" {
			query += ` AND tenant_id = $3`
			args = append(args, c.TenantID)
		}
		tag, err := p.pool.Exec(ctx, query, args...)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
