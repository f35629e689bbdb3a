// Package delivery sends rendered messages to the Telegram Bot API.
package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"hookrelay/internal/render"
	logx "hookrelay/pkg/logx"
)

const (
	DefaultAPIURL       = "https://api.telegram.org"
	DefaultTimeout      = 10 * time.Second
	DefaultFallbackNote = "\n\n⚠️ Formatting disabled due to invalid Markdown"
)

type Config struct {
	APIURL  string
	Timeout time.Duration
	// RatePerSec throttles sends per credential; 0 disables.
	RatePerSec     float64
	Burst          int
	FallbackNote   string
	DisablePreview bool
}

// Result describes a delivered message.
type Result struct {
	MessageID int
	// Fallback is set when the message went out as plain text after the
	// provider rejected its markup.
	Fallback bool
}

// Client delivers messages. Bots are created lazily per credential and
// never touch the network on construction.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	mu   sync.Mutex
	bots map[string]*botEntry
}

type botEntry struct {
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FallbackNote == "" {
		cfg.FallbackNote = DefaultFallbackNote
	}
	if cfg.RatePerSec > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		bots: make(map[string]*botEntry),
	}
}

// chatRecipient accepts numeric chat ids as well as @channel usernames.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// Send delivers msg to destination. When msg carries markup and the
// provider rejects it as unparsable, Send makes exactly one more attempt
// with the plain text and the fallback note; that attempt's outcome is
// final. Every failure is a *Error.
func (c *Client) Send(ctx context.Context, credential, destination string, msg render.Message) (Result, error) {
	credential = strings.TrimSpace(credential)
	destination = strings.TrimSpace(destination)
	if credential == "" || destination == "" {
		return Result{}, &Error{Description: ErrMissingTarget.Error(), Err: ErrMissingTarget}
	}

	entry, err := c.entry(credential)
	if err != nil {
		return Result{}, newError(err, false)
	}
	to := chatRecipient(destination)

	opts := &tele.SendOptions{DisableWebPagePreview: c.cfg.DisablePreview}
	if msg.MarkupEnabled {
		opts.ParseMode = tele.ModeMarkdownV2
	}

	m, err := c.send(ctx, entry, to, msg.Text, opts)
	if err == nil {
		return Result{MessageID: messageID(m)}, nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		return Result{}, werr
	}
	if !msg.MarkupEnabled || !markupRejected(err) {
		return Result{}, newError(err, false)
	}

	c.log.Warn("markup rejected, sending plain text",
		logx.String("destination", destination),
		logx.Err(err),
	)
	plain := msg.Plain
	if plain == "" {
		plain = msg.Text
	}
	fallbackOpts := &tele.SendOptions{DisableWebPagePreview: c.cfg.DisablePreview}
	m, err = c.send(ctx, entry, to, plain+c.cfg.FallbackNote, fallbackOpts)
	if err != nil {
		if errors.As(err, &werr) {
			werr.Fallback = true
			return Result{}, werr
		}
		return Result{}, newError(err, true)
	}
	return Result{MessageID: messageID(m), Fallback: true}, nil
}

func (c *Client) send(ctx context.Context, e *botEntry, to tele.Recipient, text string, opts *tele.SendOptions) (*tele.Message, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, wrapWait(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapWait(err)
	}
	return e.bot.Send(to, text, opts)
}

func (c *Client) entry(credential string) (*botEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.bots[credential]; ok {
		return e, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   credential,
		URL:     c.cfg.APIURL,
		Client:  c.http,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	e := &botEntry{bot: b}
	if c.cfg.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), c.cfg.Burst)
	}
	c.bots[credential] = e
	return e, nil
}

func messageID(m *tele.Message) int {
	if m == nil {
		return 0
	}
	return m.ID
}
