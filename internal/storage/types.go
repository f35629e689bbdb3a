package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrUnknownKind = errors.New("unknown window kind")
	ErrLimits      = errors.New("one limit per bucket is required")
)

// Kind distinguishes the short rolling window from the calendar month.
type Kind string

const (
	KindShort   Kind = "short"
	KindMonthly Kind = "monthly"
)

func (k Kind) Valid() bool { return k == KindShort || k == KindMonthly }

// Bucket identifies one counting period.
//
// ID is floor(unix/windowSeconds) for short windows and "YYYY-MM" (UTC) for
// months. Start is the first instant of the period. Expires is when the
// bucket stops being useful; only TTL-based drivers read it.
type Bucket struct {
	Kind    Kind
	ID      string
	Start   time.Time
	Expires time.Time
}

// Cutoff selects buckets to delete: short buckets that started before
// ShortBefore and monthly buckets that started before MonthlyBefore.
// A zero time skips that kind. TenantID limits the sweep to one tenant.
type Cutoff struct {
	TenantID      string
	ShortBefore   time.Time
	MonthlyBefore time.Time
}

// Store is the persistence API used by the quota ledger.
type Store interface {
	// Counts returns the current value of each bucket, in order. Absent
	// buckets count as 0.
	Counts(ctx context.Context, tenantID string, buckets ...Bucket) ([]int64, error)
	// Increment adds one to every bucket, creating rows as needed. Either
	// all buckets are incremented or none are.
	Increment(ctx context.Context, tenantID string, buckets ...Bucket) error
	// Prune deletes stale buckets and returns how many were removed.
	Prune(ctx context.Context, c Cutoff) (int64, error)
	Close() error
}

// ConditionalStore compares and increments in one atomic step in the store
// itself, so ledgers in separate processes sharing it cannot admit more than
// the limit between them.
type ConditionalStore interface {
	Store
	// IncrementBelow increments every bucket only when each count is below
	// the limit at the same index. It returns the counts seen before the
	// attempt and whether the increment was applied.
	IncrementBelow(ctx context.Context, tenantID string, limits []int64, buckets ...Bucket) ([]int64, bool, error)
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres", "redis".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func validBuckets(buckets []Bucket) error {
	for _, b := range buckets {
		if !b.Kind.Valid() {
			return ErrUnknownKind
		}
	}
	return nil
}

func validLimits(limits []int64, buckets []Bucket) error {
	if len(limits) != len(buckets) {
		return ErrLimits
	}
	return validBuckets(buckets)
}

func below(counts, limits []int64) bool {
	for i, n := range counts {
		if n >= limits[i] {
			return false
		}
	}
	return true
}

func stale(c Cutoff, kind Kind, start time.Time) bool {
	switch kind {
	case KindShort:
		return !c.ShortBefore.IsZero() && start.Before(c.ShortBefore)
	case KindMonthly:
		return !c.MonthlyBefore.IsZero() && start.Before(c.MonthlyBefore)
	}
	return false
}
