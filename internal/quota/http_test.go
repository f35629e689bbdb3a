package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "hookrelay/pkg/logx"
)

func postAllow(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/allow", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAllowEndpoint(t *testing.T) {
	l, _ := newLedger(t, Options{})
	h := NewHandler(l, logx.Nop())
	body := `{"tenantId":"t1","shortLimit":2,"monthlyLimit":30}`

	for i := 0; i < 2; i++ {
		rec := postAllow(t, h, body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"allow":true}`, rec.Body.String())
	}

	rec := postAllow(t, h, body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var out AllowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Allow)
	assert.Equal(t, int64(450), out.RetryAfter)
	assert.Equal(t, "450", rec.Header().Get("Retry-After"))
}

func TestAllowEndpointRejectsBadBodies(t *testing.T) {
	l, _ := newLedger(t, Options{})
	h := NewHandler(l, logx.Nop())

	for name, body := range map[string]string{
		"not json":      `nope`,
		"missing limit": `{"tenantId":"t1","shortLimit":2}`,
		"no tenant":     `{"shortLimit":2,"monthlyLimit":3}`,
		"unknown field": `{"tenantId":"t1","shortLimit":2,"monthlyLimit":3,"extra":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postAllow(t, h, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAllowEndpointStoreFailure(t *testing.T) {
	h := NewHandler(NewLedger(failingStore{}, Options{}, logx.Nop()), logx.Nop())
	rec := postAllow(t, h, `{"tenantId":"t1","shortLimit":2,"monthlyLimit":30}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUsageEndpoint(t *testing.T) {
	l, _ := newLedger(t, Options{})
	h := NewHandler(l, logx.Nop())
	postAllow(t, h, `{"tenantId":"t9","shortLimit":5,"monthlyLimit":30}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage/t9", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var u UsageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, "t9", u.TenantID)
	assert.Equal(t, int64(1), u.Short)
	assert.Equal(t, int64(1), u.Monthly)
	assert.Equal(t, time.Date(2025, 3, 14, 10, 15, 0, 0, time.UTC), u.ShortResetAt.UTC())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage/t9?windowSeconds=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientAgainstHandler(t *testing.T) {
	l, _ := newLedger(t, Options{})
	srv := httptest.NewServer(NewHandler(l, logx.Nop()))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()
	req := Request{TenantID: "remote", ShortLimit: 1, MonthlyLimit: 10}

	d, err := c.CheckAndIncrement(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = c.CheckAndIncrement(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, 450*time.Second, d.RetryAfter)

	_, err = c.CheckAndIncrement(ctx, Request{ShortLimit: 1, MonthlyLimit: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClientMapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	d, err := NewClient(srv.URL, time.Second).CheckAndIncrement(context.Background(), Request{TenantID: "x", ShortLimit: 1, MonthlyLimit: 1})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, time.Second, d.RetryAfter, "missing retryAfter defaults to one second")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	_, err = NewClient(broken.URL, time.Second).CheckAndIncrement(context.Background(), Request{TenantID: "x", ShortLimit: 1, MonthlyLimit: 1})
	assert.ErrorIs(t, err, ErrStore)

	srv.Close()
	_, err = NewClient(srv.URL, time.Second).CheckAndIncrement(context.Background(), Request{TenantID: "x", ShortLimit: 1, MonthlyLimit: 1})
	assert.ErrorIs(t, err, ErrStore)
}
