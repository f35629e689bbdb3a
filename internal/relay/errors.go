package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means the webhook or its tenant is unknown.
	ErrAuth = errors.New("unknown webhook")
	// ErrConfig means the tenant or webhook cannot be served as configured.
	ErrConfig = errors.New("tenant misconfigured")
	// ErrFormat means the webhook asks for a render mode that does not exist.
	ErrFormat = errors.New("unsupported format")
	// ErrQuotaUnavailable means the quota ledger could not answer. It is
	// never a deny.
	ErrQuotaUnavailable = errors.New("quota unavailable")
	// ErrRegistryUnavailable means the registry failed for reasons other
	// than a missing record.
	ErrRegistryUnavailable = errors.New("registry unavailable")
)

// RateLimitError is returned when the tenant is over quota.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds up to whole seconds, minimum 1.
func (e *RateLimitError) RetryAfterSeconds() int64 {
	s := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
