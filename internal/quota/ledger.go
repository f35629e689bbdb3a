// Package quota enforces per-tenant message quotas.
//
// Every tenant has two counters in force at any instant: one for the current
// short window (default 15 minutes) and one for the current UTC calendar
// month. A check either denies without touching state or increments both.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

var (
	// ErrStore marks counter storage failures. It is never a deny.
	ErrStore          = errors.New("quota store unavailable")
	ErrInvalidRequest = errors.New("invalid quota request")
)

const (
	// MonthlyRetryAfter is advisory; the monthly cap resets at month end.
	MonthlyRetryAfter = 60 * time.Second

	DefaultWindow = 15 * time.Minute
)

type Request struct {
	TenantID     string
	ShortLimit   int64
	MonthlyLimit int64
	// Window is the short window length; zero uses the ledger default.
	Window time.Duration
	// Now defaults to the ledger clock.
	Now time.Time
}

type Decision struct {
	Allow      bool
	RetryAfter time.Duration
}

// Checker is implemented by the local Ledger and by the remote Client.
type Checker interface {
	CheckAndIncrement(ctx context.Context, req Request) (Decision, error)
}

type Options struct {
	Window time.Duration
	// KeepShortWindows and KeepMonths count the current period.
	KeepShortWindows int
	KeepMonths       int
	// PruneEvery triggers a lazy per-tenant prune after that many allowed
	// requests across the ledger. Zero disables lazy pruning.
	PruneEvery int
	LockShards int
	Clock      func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.KeepShortWindows <= 0 {
		o.KeepShortWindows = 2
	}
	if o.KeepMonths <= 0 {
		o.KeepMonths = 2
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Ledger struct {
	store storage.Store
	locks *KeyedLock
	opt   Options
	log   logx.Logger

	allowed atomic.Uint64
}

func NewLedger(store storage.Store, opt Options, log logx.Logger) *Ledger {
	opt.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store: store,
		locks: NewKeyedLock(opt.LockShards),
		opt:   opt,
		log:   log,
	}
}

// Window returns the default short window length.
func (l *Ledger) Window() time.Duration { return l.opt.Window }

// CheckAndIncrement admits one request for req.TenantID when both the short
// window and the monthly counters are below their limits, incrementing both.
// All calls for one tenant are serialized.
func (l *Ledger) CheckAndIncrement(ctx context.Context, req Request) (Decision, error) {
	req, err := l.normalize(req)
	if err != nil {
		return Decision{}, err
	}
	short, month := l.buckets(req.Window, req.Now)

	unlock, err := l.locks.Lock(ctx, req.TenantID)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	counts, applied, err := l.admit(ctx, req, short, month)
	if err != nil {
		return Decision{}, err
	}

	if !applied {
		if counts[0] >= req.ShortLimit {
			retry := retryAfter(short.Start.Add(req.Window), req.Now, req.Window)
			l.log.Debug("short window exhausted",
				logx.String("tenant", req.TenantID),
				logx.Int64("count", counts[0]),
				logx.Duration("retry_after", retry),
			)
			return Decision{RetryAfter: retry}, nil
		}
		l.log.Debug("monthly quota exhausted",
			logx.String("tenant", req.TenantID),
			logx.Int64("count", counts[1]),
		)
		return Decision{RetryAfter: MonthlyRetryAfter}, nil
	}

	if every := l.opt.PruneEvery; every > 0 && l.allowed.Add(1)%uint64(every) == 0 {
		l.pruneLocked(ctx, req.TenantID, req.Window, req.Now)
	}
	return Decision{Allow: true}, nil
}

// admit increments both buckets when their counts are below the limits and
// returns the counts seen before the attempt. Stores that can compare and
// increment atomically do so server side; for the rest the tenant lock held
// by the caller is what keeps the read and the write together.
func (l *Ledger) admit(ctx context.Context, req Request, short, month storage.Bucket) ([]int64, bool, error) {
	limits := []int64{req.ShortLimit, req.MonthlyLimit}
	if cs, ok := l.store.(storage.ConditionalStore); ok {
		counts, applied, err := cs.IncrementBelow(ctx, req.TenantID, limits, short, month)
		if err != nil {
			return nil, false, fmt.Errorf("%w: increment: %w", ErrStore, err)
		}
		return counts, applied, nil
	}

	counts, err := l.store.Counts(ctx, req.TenantID, short, month)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read counters: %w", ErrStore, err)
	}
	if counts[0] >= limits[0] || counts[1] >= limits[1] {
		return counts, false, nil
	}
	if err := l.store.Increment(ctx, req.TenantID, short, month); err != nil {
		return nil, false, fmt.Errorf("%w: increment: %w", ErrStore, err)
	}
	return counts, true, nil
}

// Usage is a read-only view of a tenant's current counters.
type Usage struct {
	Short          int64
	Monthly        int64
	ShortResetAt   time.Time
	MonthlyResetAt time.Time
}

func (l *Ledger) Usage(ctx context.Context, tenantID string, window time.Duration, now time.Time) (Usage, error) {
	req, err := l.normalize(Request{TenantID: tenantID, Window: window, Now: now, ShortLimit: 1, MonthlyLimit: 1})
	if err != nil {
		return Usage{}, err
	}
	short, month := l.buckets(req.Window, req.Now)
	counts, err := l.store.Counts(ctx, req.TenantID, short, month)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: read counters: %w", ErrStore, err)
	}
	return Usage{
		Short:          counts[0],
		Monthly:        counts[1],
		ShortResetAt:   short.Start.Add(req.Window),
		MonthlyResetAt: month.Start.AddDate(0, 1, 0),
	}, nil
}

// Sweep prunes stale buckets for every tenant using the default window.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	n, err := l.store.Prune(ctx, l.cutoff("", l.opt.Window, l.opt.Clock()))
	if err != nil {
		return n, fmt.Errorf("%w: prune: %w", ErrStore, err)
	}
	return n, nil
}

func (l *Ledger) pruneLocked(ctx context.Context, tenantID string, window time.Duration, now time.Time) {
	n, err := l.store.Prune(ctx, l.cutoff(tenantID, window, now))
	if err != nil {
		l.log.Warn("lazy prune failed", logx.String("tenant", tenantID), logx.Err(err))
		return
	}
	if n > 0 {
		l.log.Debug("lazy prune", logx.String("tenant", tenantID), logx.Int64("removed", n))
	}
}

func (l *Ledger) cutoff(tenantID string, window time.Duration, now time.Time) storage.Cutoff {
	short, month := l.buckets(window, now)
	return storage.Cutoff{
		TenantID:      tenantID,
		ShortBefore:   short.Start.Add(-time.Duration(l.opt.KeepShortWindows-1) * window),
		MonthlyBefore: month.Start.AddDate(0, -(l.opt.KeepMonths - 1), 0),
	}
}

func (l *Ledger) normalize(req Request) (Request, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return req, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if req.ShortLimit < 0 || req.MonthlyLimit < 0 {
		return req, fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	if req.Window <= 0 {
		req.Window = l.opt.Window
	}
	if req.Window < time.Second || req.Window%time.Second != 0 {
		return req, fmt.Errorf("%w: window must be a whole number of seconds", ErrInvalidRequest)
	}
	if req.Now.IsZero() {
		req.Now = l.opt.Clock()
	}
	return req, nil
}

func (l *Ledger) buckets(window time.Duration, now time.Time) (storage.Bucket, storage.Bucket) {
	secs := int64(window / time.Second)
	id := floorDiv(now.Unix(), secs)
	shortStart := time.Unix(id*secs, 0).UTC()

	u := now.UTC()
	monthStart := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)

	short := storage.Bucket{
		Kind:    storage.KindShort,
		ID:      strconv.FormatInt(id, 10),
		Start:   shortStart,
		Expires: shortStart.Add(time.Duration(l.opt.KeepShortWindows) * window),
	}
	month := storage.Bucket{
		Kind:    storage.KindMonthly,
		ID:      u.Format("2006-01"),
		Start:   monthStart,
		Expires: monthStart.AddDate(0, l.opt.KeepMonths, 0),
	}
	return short, month
}

// retryAfter rounds the time left until next up to whole seconds, within
// [1s, window].
func retryAfter(next, now time.Time, window time.Duration) time.Duration {
	secs := int64(math.Ceil(next.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	if max := int64(window / time.Second); secs > max {
		secs = max
	}
	return time.Duration(secs) * time.Second
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
