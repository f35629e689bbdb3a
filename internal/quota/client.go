package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client checks quota against a remote ledger's /allow endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CheckAndIncrement(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(AllowRequest{
		TenantID:      req.TenantID,
		ShortLimit:    req.ShortLimit,
		MonthlyLimit:  req.MonthlyLimit,
		WindowSeconds: int64(req.Window / time.Second),
	})
	if err != nil {
		return Decision{}, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/allow", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer resp.Body.Close()

	var out AllowResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Decision{}, fmt.Errorf("%w: decode response: %w", ErrStore, err)
		}
		return Decision{Allow: out.Allow}, nil
	case http.StatusTooManyRequests:
		_ = json.NewDecoder(resp.Body).Decode(&out)
		if out.RetryAfter <= 0 {
			out.RetryAfter = 1
		}
		return Decision{RetryAfter: time.Duration(out.RetryAfter) * time.Second}, nil
	case http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Decision{}, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.TrimSpace(string(msg)))
	default:
		return Decision{}, fmt.Errorf("%w: remote status %d", ErrStore, resp.StatusCode)
	}
}
