// Package relay ties registry lookup, quota, rendering and delivery into one
// request pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"hookrelay/internal/delivery"
	"hookrelay/internal/quota"
	"hookrelay/internal/registry"
	"hookrelay/internal/render"
	"hookrelay/internal/secrets"
	logx "hookrelay/pkg/logx"
)

// Sender delivers a rendered message. *delivery.Client implements it.
type Sender interface {
	Send(ctx context.Context, credential, destination string, msg render.Message) (delivery.Result, error)
}

type Limits struct {
	Short   int64
	Monthly int64
}

type Options struct {
	// Window is the short quota window passed to the ledger.
	Window time.Duration
	// Premium applies to tenants with active premium and no own override.
	Premium Limits
	Clock   func() time.Time
}

type Service struct {
	registry registry.Registry
	quota    quota.Checker
	renderer *render.Renderer
	secrets  secrets.Decrypter
	sender   Sender
	opt      Options
	log      logx.Logger
}

func NewService(reg registry.Registry, q quota.Checker, r *render.Renderer, dec secrets.Decrypter, s Sender, opt Options, log logx.Logger) *Service {
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	if dec == nil {
		dec = secrets.Plaintext{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		registry: reg,
		quota:    q,
		renderer: r,
		secrets:  dec,
		sender:   s,
		opt:      opt,
		log:      log,
	}
}

// Relay runs one webhook delivery. Each step is terminal on failure; the
// returned error is one of the package errors, a *RateLimitError or a
// *delivery.Error.
func (s *Service) Relay(ctx context.Context, webhookID string, payload render.Payload) (delivery.Result, error) {
	log := s.log.With(logx.String("webhook_tag", webhookTag(webhookID)))

	hook, err := s.registry.Webhook(ctx, webhookID)
	if err != nil {
		return delivery.Result{}, s.lookupError(log, "webhook", err)
	}
	log = log.With(logx.String("tenant", hook.TenantID))
	tenant, err := s.registry.Tenant(ctx, hook.TenantID)
	if err != nil {
		return delivery.Result{}, s.lookupError(log, "tenant", err)
	}

	if !tenant.RateLimit.Configured() {
		log.Error("tenant has no rate limit configured")
		return delivery.Result{}, fmt.Errorf("%w: tenant %s has no rate limit", ErrConfig, tenant.ID)
	}

	now := s.opt.Clock()
	limits := s.limitsFor(tenant, now)
	d, err := s.quota.CheckAndIncrement(ctx, quota.Request{
		TenantID:     hook.TenantID,
		ShortLimit:   limits.Short,
		MonthlyLimit: limits.Monthly,
		Window:       s.opt.Window,
		Now:          now,
	})
	if err != nil {
		log.Error("quota check failed", logx.Err(err))
		return delivery.Result{}, fmt.Errorf("%w: %w", ErrQuotaUnavailable, err)
	}
	if !d.Allow {
		log.Info("rate limited", logx.Duration("retry_after", d.RetryAfter))
		return delivery.Result{}, &RateLimitError{RetryAfter: d.RetryAfter}
	}

	mode, err := render.ParseMode(hook.Format)
	if err != nil {
		log.Warn("unsupported format", logx.String("format", hook.Format))
		return delivery.Result{}, fmt.Errorf("%w: %q", ErrFormat, hook.Format)
	}
	msg, err := s.renderer.Render(mode, payload)
	if err != nil {
		return delivery.Result{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	credential, err := s.secrets.Decrypt(hook.Credential)
	if err != nil {
		log.Error("credential cannot be decrypted", logx.Err(err))
		return delivery.Result{}, fmt.Errorf("%w: credential: %w", ErrConfig, err)
	}

	res, err := s.sender.Send(ctx, credential, hook.ChatID, msg)
	if err != nil {
		log.Warn("delivery failed", logx.Err(err))
		return delivery.Result{}, err
	}
	log.Debug("delivered",
		logx.String("mode", string(mode)),
		logx.Int("message_id", res.MessageID),
		logx.Bool("fallback", res.Fallback),
	)
	return res, nil
}

// webhookTag identifies a webhook in logs without revealing its id, which
// is the only credential a caller needs.
func webhookTag(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

func (s *Service) limitsFor(t registry.Tenant, now time.Time) Limits {
	if !t.PremiumActive(now) {
		return Limits{Short: t.RateLimit.Short, Monthly: t.RateLimit.Monthly}
	}
	if t.PremiumRateLimit.Configured() {
		return Limits{Short: t.PremiumRateLimit.Short, Monthly: t.PremiumRateLimit.Monthly}
	}
	if s.opt.Premium.Short > 0 && s.opt.Premium.Monthly > 0 {
		return s.opt.Premium
	}
	return Limits{Short: t.RateLimit.Short, Monthly: t.RateLimit.Monthly}
}

func (s *Service) lookupError(log logx.Logger, what string, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		log.Info(what + " not found")
		return fmt.Errorf("%w: %s not found", ErrAuth, what)
	}
	log.Error(what+" lookup failed", logx.Err(err))
	return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
}
