package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
)

const testToken = "123456789:AAH-app-token-abcdefghijklmnopqrstuvwx"

const testRegistry = `
tenants:
  - id: acme
    rateLimit: { per15Min: 2, monthly: 100 }
webhooks:
  - id: wh_1
    orgId: acme
    chatId: "42"
    botToken: "` + testToken + `"
    format: text
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	reg := writeFile(t, dir, "registry.yaml", testRegistry)
	return writeFile(t, dir, "config.yaml", fmt.Sprintf(`
server:
  listen: "127.0.0.1:0"
logging:
  level: error
quota:
  driver: sqlite
  path: %q
  retention: { schedule: "off" }
registry:
  driver: file
  path: %q
delivery:
  api_url: %q
secrets:
  key_env: HOOKRELAY_TEST_KEY
`, filepath.Join(dir, "quota.db"), reg, apiURL))
}

func TestAppRelaysAndRateLimits(t *testing.T) {
	var sends atomic.Int32
	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		sends.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":5,"chat":{"id":42,"type":"private"},"date":0,"text":"x"}}`)
	}))
	t.Cleanup(tg.Close)
	t.Setenv("HOOKRELAY_TEST_KEY", "")

	a, err := NewApp(writeConfig(t, tg.URL))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopUnknown)
	})

	base := "http://" + a.public.Addr
	post := func() *http.Response {
		resp, err := http.Post(base+"/wh_1", "text/plain", strings.NewReader("deploy finished"))
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, post().StatusCode)
	assert.Equal(t, http.StatusOK, post().StatusCode)
	limited := post()
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
	assert.Equal(t, int32(2), sends.Load())

	resp, err := http.Post(base+"/unknown", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNewAppRejectsBadKey(t *testing.T) {
	t.Setenv("HOOKRELAY_TEST_KEY", "not-a-key")
	_, err := NewApp(writeConfig(t, "http://127.0.0.1:1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOOKRELAY_TEST_KEY")
}

func TestChangedSections(t *testing.T) {
	prev := &config.Config{}
	prev.ApplyDefaults()
	next := *prev
	next.Logging.Level = "debug"
	next.Quota.Premium.Short = 1

	assert.Equal(t, []string{"logging", "quota"}, changedSections(prev, &next))
	assert.Empty(t, changedSections(prev, prev))
}

func TestMappingUsesDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, config.DefaultShortWindow, mapLedgerOptions(cfg).Window)
	assert.Equal(t, config.DefaultPruneEvery, mapLedgerOptions(cfg).PruneEvery)
	assert.Equal(t, "memory", mapStorageConfig(cfg).Driver)
	assert.Equal(t, config.DefaultPremiumTier.Short, mapRelayOptions(cfg).Premium.Short)
	assert.Equal(t, int64(config.DefaultMaxBodyBytes), mapHandlerOptions(cfg).MaxBodyBytes)
}
