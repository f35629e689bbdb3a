package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "hookrelay/pkg/logx"
)

var retentionParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Retention sweeps stale counters on a cron schedule.
type Retention struct {
	ledger   *Ledger
	schedule cron.Schedule
	spec     string
	log      logx.Logger
	timeout  time.Duration
}

// NewRetention returns nil when spec is empty or "off".
func NewRetention(ledger *Ledger, spec string, log logx.Logger) (*Retention, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "off") {
		return nil, nil
	}
	sched, err := retentionParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retention{
		ledger:   ledger,
		schedule: sched,
		spec:     spec,
		log:      log,
		timeout:  time.Minute,
	}, nil
}

// Run blocks until ctx is done.
func (r *Retention) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(retentionParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() { r.sweep(ctx) }))
	c.Start()
	r.log.Info("retention scheduled", logx.String("schedule", r.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Retention) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.ledger.Sweep(sctx)
	if err != nil {
		r.log.Warn("retention sweep failed", logx.Err(err))
		return
	}
	r.log.Info("retention sweep", logx.Int64("removed", n), logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
