package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/delivery"
	"hookrelay/internal/quota"
	"hookrelay/internal/registry"
	"hookrelay/internal/render"
	"hookrelay/internal/secrets"
	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

var now = time.Date(2025, 3, 14, 10, 7, 30, 0, time.UTC)

type fakeRegistry struct {
	webhooks map[string]registry.Webhook
	tenants  map[string]registry.Tenant
	err      error
}

func (f *fakeRegistry) Webhook(_ context.Context, id string) (registry.Webhook, error) {
	if f.err != nil {
		return registry.Webhook{}, f.err
	}
	w, ok := f.webhooks[id]
	if !ok {
		return registry.Webhook{}, registry.ErrNotFound
	}
	return w, nil
}

func (f *fakeRegistry) Tenant(_ context.Context, id string) (registry.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return registry.Tenant{}, registry.ErrNotFound
	}
	return t, nil
}

func (f *fakeRegistry) Close() error { return nil }

type sendCall struct {
	Credential  string
	Destination string
	Msg         render.Message
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

func (f *fakeSender) Send(_ context.Context, credential, destination string, msg render.Message) (delivery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{credential, destination, msg})
	if f.err != nil {
		return delivery.Result{}, f.err
	}
	return delivery.Result{MessageID: len(f.calls)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingChecker struct{}

func (failingChecker) CheckAndIncrement(context.Context, quota.Request) (quota.Decision, error) {
	return quota.Decision{}, quota.ErrStore
}

func testRegistry() *fakeRegistry {
	return &fakeRegistry{
		webhooks: map[string]registry.Webhook{
			"wh-json": {ID: "wh-json", TenantID: "t1", ChatID: "42", Credential: "tok", Format: "json"},
			"wh-text": {ID: "wh-text", TenantID: "t1", ChatID: "42", Credential: "tok", Format: "text"},
			"wh-html": {ID: "wh-html", TenantID: "t1", ChatID: "42", Credential: "tok", Format: "html"},
			"wh-bare": {ID: "wh-bare", TenantID: "bare", ChatID: "42", Credential: "tok", Format: "json"},
			"wh-gone": {ID: "wh-gone", TenantID: "missing", ChatID: "42", Credential: "tok", Format: "json"},
			"wh-prem": {ID: "wh-prem", TenantID: "prem", ChatID: "42", Credential: "tok", Format: "json"},
		},
		tenants: map[string]registry.Tenant{
			"t1":   {ID: "t1", RateLimit: &registry.RateLimit{Short: 5, Monthly: 30}},
			"bare": {ID: "bare"},
			"prem": {
				ID:             "prem",
				RateLimit:      &registry.RateLimit{Short: 1, Monthly: 30},
				PremiumExpires: now.Add(24 * time.Hour).Format(time.RFC3339),
			},
		},
	}
}

type fixture struct {
	svc    *Service
	reg    *fakeRegistry
	sender *fakeSender
}

func newFixture(t *testing.T, q quota.Checker) fixture {
	t.Helper()
	if q == nil {
		q = quota.NewLedger(storage.NewMemory(), quota.Options{Clock: func() time.Time { return now }}, logx.Nop())
	}
	r, err := render.New(render.Config{})
	require.NoError(t, err)
	reg := testRegistry()
	sender := &fakeSender{}
	svc := NewService(reg, q, r, secrets.Plaintext{}, sender, Options{
		Premium: Limits{Short: 3, Monthly: 100},
		Clock:   func() time.Time { return now },
	}, logx.Nop())
	return fixture{svc: svc, reg: reg, sender: sender}
}

func TestRelayDeliversRenderedPayload(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Relay(context.Background(), "wh-json", render.NewPayload([]byte(`{"a":1}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessageID)

	require.Equal(t, 1, f.sender.count())
	call := f.sender.calls[0]
	assert.Equal(t, "tok", call.Credential)
	assert.Equal(t, "42", call.Destination)
	assert.True(t, call.Msg.MarkupEnabled)
	assert.Equal(t, "```json\n{\n  \"a\": 1\n}\n```", call.Msg.Text)
}

func TestRelayRateLimitsAfterShortLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Relay(ctx, "wh-text", render.NewPayload([]byte("hello")))
		require.NoError(t, err)
	}
	_, err := f.svc.Relay(ctx, "wh-text", render.NewPayload([]byte("hello")))
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 450*time.Second, rl.RetryAfter)
	assert.Equal(t, int64(450), rl.RetryAfterSeconds())
	assert.Equal(t, 5, f.sender.count())
}

func TestRelayUnknownWebhookOrTenant(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Relay(context.Background(), "nope", render.NewPayload(nil))
	assert.ErrorIs(t, err, ErrAuth)

	_, err = f.svc.Relay(context.Background(), "wh-gone", render.NewPayload(nil))
	assert.ErrorIs(t, err, ErrAuth)
	assert.Zero(t, f.sender.count())
}

func TestRelayRegistryFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.err = errors.New("connection refused")

	_, err := f.svc.Relay(context.Background(), "wh-json", render.NewPayload(nil))
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestRelayTenantWithoutLimitsIsConfigError(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Relay(context.Background(), "wh-bare", render.NewPayload(nil))
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, f.sender.count())
}

func TestRelayQuotaFailureIsNotADeny(t *testing.T) {
	f := newFixture(t, failingChecker{})

	_, err := f.svc.Relay(context.Background(), "wh-json", render.NewPayload(nil))
	assert.ErrorIs(t, err, ErrQuotaUnavailable)
	assert.ErrorIs(t, err, quota.ErrStore)
	var rl *RateLimitError
	assert.False(t, errors.As(err, &rl))
}

func TestRelayUnsupportedFormatAfterQuota(t *testing.T) {
	ledger := quota.NewLedger(storage.NewMemory(), quota.Options{Clock: func() time.Time { return now }}, logx.Nop())
	f := newFixture(t, ledger)

	_, err := f.svc.Relay(context.Background(), "wh-html", render.NewPayload([]byte("x")))
	assert.ErrorIs(t, err, ErrFormat)
	assert.Zero(t, f.sender.count())

	u, err := ledger.Usage(context.Background(), "t1", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Short)
}

func TestRelayPremiumTierLimits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Own limit is 1; active premium raises it to the service tier of 3.
	for i := 0; i < 3; i++ {
		_, err := f.svc.Relay(ctx, "wh-prem", render.NewPayload([]byte(`{}`)))
		require.NoError(t, err)
	}
	_, err := f.svc.Relay(ctx, "wh-prem", render.NewPayload([]byte(`{}`)))
	var rl *RateLimitError
	assert.ErrorAs(t, err, &rl)
}

func TestLimitsFor(t *testing.T) {
	svc := &Service{opt: Options{Premium: Limits{Short: 100, Monthly: 1000}}}
	own := &registry.RateLimit{Short: 5, Monthly: 30}
	future := now.Add(time.Hour).Format(time.RFC3339)
	past := now.Add(-time.Hour).Format(time.RFC3339)

	assert.Equal(t, Limits{5, 30}, svc.limitsFor(registry.Tenant{RateLimit: own}, now))
	assert.Equal(t, Limits{5, 30}, svc.limitsFor(registry.Tenant{RateLimit: own, PremiumExpires: past}, now))
	assert.Equal(t, Limits{5, 30}, svc.limitsFor(registry.Tenant{RateLimit: own, PremiumExpires: "soon"}, now))
	assert.Equal(t, Limits{100, 1000}, svc.limitsFor(registry.Tenant{RateLimit: own, PremiumExpires: future}, now))
	assert.Equal(t, Limits{7, 70}, svc.limitsFor(registry.Tenant{
		RateLimit:        own,
		PremiumRateLimit: &registry.RateLimit{Short: 7, Monthly: 70},
		PremiumExpires:   future,
	}, now))

	noTier := &Service{}
	assert.Equal(t, Limits{5, 30}, noTier.limitsFor(registry.Tenant{RateLimit: own, PremiumExpires: future}, now))
}

func TestRelayDecryptsCredential(t *testing.T) {
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	dec, err := secrets.NewAESGCM(key)
	require.NoError(t, err)
	sealed, err := dec.Encrypt("123:secret")
	require.NoError(t, err)

	f := newFixture(t, nil)
	f.svc.secrets = dec
	hook := f.reg.webhooks["wh-json"]
	hook.Credential = sealed
	f.reg.webhooks["wh-json"] = hook

	_, err = f.svc.Relay(context.Background(), "wh-json", render.NewPayload(nil))
	require.NoError(t, err)
	assert.Equal(t, "123:secret", f.sender.calls[0].Credential)

	hook.Credential = "not-ciphertext"
	f.reg.webhooks["wh-json"] = hook
	_, err = f.svc.Relay(context.Background(), "wh-json", render.NewPayload(nil))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRelayPassesDeliveryErrorThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = &delivery.Error{Status: 403, Description: "Forbidden: bot was blocked by the user"}

	_, err := f.svc.Relay(context.Background(), "wh-json", render.NewPayload(nil))
	var derr *delivery.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 403, derr.Status)
}

func TestRelayLogsNeverContainWebhookID(t *testing.T) {
	var buf bytes.Buffer
	r, err := render.New(render.Config{})
	require.NoError(t, err)
	q := quota.NewLedger(storage.NewMemory(), quota.Options{Clock: func() time.Time { return now }}, logx.Nop())
	sender := &fakeSender{}
	svc := NewService(testRegistry(), q, r, secrets.Plaintext{}, sender, Options{
		Clock: func() time.Time { return now },
	}, logx.NewWriter(&buf, "debug"))
	ctx := context.Background()

	_, err = svc.Relay(ctx, "wh-json", render.NewPayload([]byte(`{"a":1}`)))
	require.NoError(t, err)
	sender.err = errors.New("boom")
	_, err = svc.Relay(ctx, "wh-json", render.NewPayload([]byte(`{"a":1}`)))
	require.Error(t, err)
	_, err = svc.Relay(ctx, "wh-missing", render.NewPayload(nil))
	require.ErrorIs(t, err, ErrAuth)

	out := buf.String()
	assert.Contains(t, out, "delivery failed")
	assert.Contains(t, out, webhookTag("wh-json"))
	assert.NotContains(t, out, "wh-json")
	assert.NotContains(t, out, "wh-missing")
}

func TestWebhookTagIsStable(t *testing.T) {
	assert.Equal(t, webhookTag("wh-json"), webhookTag("wh-json"))
	assert.NotEqual(t, webhookTag("wh-json"), webhookTag("wh-text"))
	assert.NotContains(t, webhookTag("wh-json"), "wh")
}
