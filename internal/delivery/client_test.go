package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/render"
	logx "hookrelay/pkg/logx"
)

const testToken = "123456789:AAH-test-token-abcdefghijklmnopqrstuv"

type sent struct {
	ChatID    string
	Text      string
	ParseMode string
}

// fakeAPI answers sendMessage calls with the queued replies, repeating the
// last one when the queue runs out.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []sent
	replies []string
	srv     *httptest.Server
}

const (
	okReply     = `{"ok":true,"result":{"message_id":77,"chat":{"id":1,"type":"private"},"date":0,"text":"x"}}`
	markupReply = `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Character '.' is reserved and must be escaped with the preceding '\\'"}`
	chatReply   = `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
	forbidReply = `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
)

func newFakeAPI(t *testing.T, replies ...string) *fakeAPI {
	t.Helper()
	f := &fakeAPI{replies: replies}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/bot"+testToken+"/sendMessage" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	str := func(k string) string {
		if v, ok := body[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			b, _ := json.Marshal(v)
			return string(b)
		}
		return ""
	}

	f.mu.Lock()
	f.calls = append(f.calls, sent{ChatID: str("chat_id"), Text: str("text"), ParseMode: str("parse_mode")})
	reply := f.replies[len(f.replies)-1]
	if len(f.calls) <= len(f.replies) {
		reply = f.replies[len(f.calls)-1]
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	var peek struct {
		Code int `json:"error_code"`
	}
	_ = json.Unmarshal([]byte(reply), &peek)
	if peek.Code != 0 {
		w.WriteHeader(peek.Code)
	}
	_, _ = w.Write([]byte(reply))
}

func (f *fakeAPI) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

func newClient(f *fakeAPI, cfg Config) *Client {
	cfg.APIURL = f.srv.URL
	return New(cfg, logx.Nop())
}

var markupMsg = render.Message{Text: `Deploy done\.`, MarkupEnabled: true, Plain: "Deploy done."}

func TestSendWithMarkup(t *testing.T) {
	f := newFakeAPI(t, okReply)
	res, err := newClient(f, Config{}).Send(context.Background(), testToken, "-100123", markupMsg)
	require.NoError(t, err)
	assert.Equal(t, 77, res.MessageID)
	assert.False(t, res.Fallback)

	calls := f.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "-100123", calls[0].ChatID)
	assert.Equal(t, `Deploy done\.`, calls[0].Text)
	assert.Equal(t, "MarkdownV2", calls[0].ParseMode)
}

func TestSendPlainHasNoParseMode(t *testing.T) {
	f := newFakeAPI(t, okReply)
	_, err := newClient(f, Config{}).Send(context.Background(), testToken, "@alerts", render.Message{Text: "hi"})
	require.NoError(t, err)

	calls := f.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "@alerts", calls[0].ChatID)
	assert.Empty(t, calls[0].ParseMode)
}

func TestMarkupRejectionFallsBackOnce(t *testing.T) {
	f := newFakeAPI(t, markupReply, okReply)
	res, err := newClient(f, Config{}).Send(context.Background(), testToken, "42", markupMsg)
	require.NoError(t, err)
	assert.True(t, res.Fallback)

	calls := f.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "MarkdownV2", calls[0].ParseMode)
	assert.Empty(t, calls[1].ParseMode)
	assert.Equal(t, "Deploy done."+DefaultFallbackNote, calls[1].Text)
}

func TestFallbackFailureIsTerminal(t *testing.T) {
	f := newFakeAPI(t, markupReply, forbidReply)
	_, err := newClient(f, Config{}).Send(context.Background(), testToken, "42", markupMsg)
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.True(t, derr.Fallback)
	assert.Equal(t, 403, derr.Status)
	assert.Len(t, f.sent(), 2, "no attempts after the fallback")
}

func TestOtherRejectionsAreNotRetried(t *testing.T) {
	for name, reply := range map[string]string{"chat not found": chatReply, "forbidden": forbidReply} {
		t.Run(name, func(t *testing.T) {
			f := newFakeAPI(t, reply)
			_, err := newClient(f, Config{}).Send(context.Background(), testToken, "42", markupMsg)
			require.Error(t, err)

			var derr *Error
			require.True(t, errors.As(err, &derr))
			assert.False(t, derr.Fallback)
			assert.Len(t, f.sent(), 1)
		})
	}
}

func TestMarkupRejectionWithoutMarkupIsTerminal(t *testing.T) {
	f := newFakeAPI(t, markupReply)
	_, err := newClient(f, Config{}).Send(context.Background(), testToken, "42", render.Message{Text: "plain"})
	require.Error(t, err)
	assert.Len(t, f.sent(), 1)
}

func TestMissingTarget(t *testing.T) {
	f := newFakeAPI(t, okReply)
	_, err := newClient(f, Config{}).Send(context.Background(), "", "42", markupMsg)
	assert.ErrorIs(t, err, ErrMissingTarget)
	assert.Empty(t, f.sent())
}

func TestNetworkErrorsDoNotLeakToken(t *testing.T) {
	f := newFakeAPI(t, okReply)
	c := newClient(f, Config{Timeout: time.Second})
	f.srv.Close()

	_, err := c.Send(context.Background(), testToken, "42", markupMsg)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
}

func TestThrottleHonorsContext(t *testing.T) {
	f := newFakeAPI(t, okReply)
	c := newClient(f, Config{RatePerSec: 0.001, Burst: 1})

	_, err := c.Send(context.Background(), testToken, "42", markupMsg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Send(ctx, testToken, "42", markupMsg)
	require.Error(t, err)
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.True(t, strings.HasPrefix(derr.Description, "send throttled"))
	assert.Len(t, f.sent(), 1)
}
