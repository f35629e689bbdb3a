// Package registry looks up tenants and webhooks.
//
// Records use the same JSON shape in every backend:
//
//	webhook: {"id","orgId","chatId","botToken","format"}
//	tenant:  {"id","premiumExpires","rateLimit":{"per15Min","monthly"},"premiumRateLimit":{...}}
//
// "short" is accepted as an alias of "per15Min".
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// Registry resolves records by id. Missing records return ErrNotFound.
type Registry interface {
	Webhook(ctx context.Context, id string) (Webhook, error)
	Tenant(ctx context.Context, id string) (Tenant, error)
	Close() error
}

type Webhook struct {
	ID       string `json:"id"`
	TenantID string `json:"orgId"`
	ChatID   string `json:"chatId"`
	// Credential is the provider bot token, usually encrypted at rest.
	Credential string `json:"botToken"`
	Format     string `json:"format,omitempty"`
}

type Tenant struct {
	ID string `json:"id"`
	// RateLimit is required; a tenant without it is misconfigured.
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
	// PremiumRateLimit overrides the service-wide premium tier.
	PremiumRateLimit *RateLimit `json:"premiumRateLimit,omitempty"`
	// PremiumExpires is an RFC 3339 timestamp. Unparsable values mean no
	// premium.
	PremiumExpires string `json:"premiumExpires,omitempty"`
}

// PremiumActive reports whether premium is still valid at now. The expiry is
// an RFC 3339 timestamp or a bare date, which means midnight UTC.
func (t Tenant) PremiumActive(now time.Time) bool {
	s := strings.TrimSpace(t.PremiumExpires)
	if s == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if exp, err = time.Parse(time.DateOnly, s); err != nil {
			return false
		}
	}
	return exp.After(now)
}

type RateLimit struct {
	Short   int64 `json:"short"`
	Monthly int64 `json:"monthly"`
}

// Configured reports whether both limits are set.
func (r *RateLimit) Configured() bool {
	return r != nil && r.Short > 0 && r.Monthly > 0
}

func (r *RateLimit) UnmarshalJSON(b []byte) error {
	var raw struct {
		Short    *int64 `json:"short"`
		Per15Min *int64 `json:"per15Min"`
		Monthly  int64  `json:"monthly"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Monthly = raw.Monthly
	switch {
	case raw.Short != nil:
		r.Short = *raw.Short
	case raw.Per15Min != nil:
		r.Short = *raw.Per15Min
	default:
		r.Short = 0
	}
	return nil
}

func (w Webhook) validate() error {
	switch {
	case strings.TrimSpace(w.ID) == "":
		return errors.New("webhook id is required")
	case strings.TrimSpace(w.TenantID) == "":
		return errors.New("webhook " + w.ID + ": orgId is required")
	}
	return nil
}
