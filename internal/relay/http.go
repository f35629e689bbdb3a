package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"hookrelay/internal/delivery"
	"hookrelay/internal/render"
	logx "hookrelay/pkg/logx"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	requestIDHeader     = "X-Request-ID"
)

type okResponse struct {
	OK        bool `json:"ok"`
	MessageID int  `json:"messageId,omitempty"`
	Fallback  bool `json:"fallback,omitempty"`
}

type rateLimitResponse struct {
	Allow      bool  `json:"allow"`
	RetryAfter int64 `json:"retryAfter"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type HandlerOptions struct {
	// HomeURL is where GET / redirects. Empty answers 404.
	HomeURL      string
	MaxBodyBytes int64
}

// Handler is the public webhook surface:
//
//	POST /{webhookId}  relay one payload
//	GET  /             redirect to the home page
//	GET  /healthz      liveness
type Handler struct {
	svc    *Service
	opt    HandlerOptions
	log    logx.Logger
	router chi.Router
}

func NewHandler(svc *Service, opt HandlerOptions, log logx.Logger) *Handler {
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{svc: svc, opt: opt, log: log}

	r := chi.NewRouter()
	r.Use(requestID, h.recoverer, h.accessLog)
	r.Get("/", h.handleHome)
	r.Get("/healthz", h.handleHealth)
	r.Post("/{webhookId}", h.handleRelay)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	if h.opt.HomeURL == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, h.opt.HomeURL, http.StatusFound)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "webhookId"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read body"})
		return
	}

	res, err := h.svc.Relay(r.Context(), id, render.NewPayload(body))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, MessageID: res.MessageID, Fallback: res.Fallback})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var rl *RateLimitError
	var derr *delivery.Error
	switch {
	case errors.As(err, &rl):
		secs := rl.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{Allow: false, RetryAfter: secs})
	case errors.Is(err, ErrAuth):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, ErrFormat):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrConfig):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "webhook misconfigured"})
	case errors.Is(err, ErrQuotaUnavailable), errors.Is(err, ErrRegistryUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	case errors.As(err, &derr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "delivery failed", Details: derr.Description})
	default:
		h.log.Error("unexpected relay error", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.log.Error("panic in handler",
					logx.String("method", r.Method),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// Webhook ids act as credentials, so only the route pattern is logged.
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.log.Info("http request",
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", w.Header().Get(requestIDHeader)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
