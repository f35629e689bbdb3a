package quota

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	logx "hookrelay/pkg/logx"
)

const maxAllowBody = 64 << 10

type AllowRequest struct {
	TenantID      string `json:"tenantId"`
	ShortLimit    int64  `json:"shortLimit"`
	MonthlyLimit  int64  `json:"monthlyLimit"`
	WindowSeconds int64  `json:"windowSeconds,omitempty"`
}

type AllowResponse struct {
	Allow      bool  `json:"allow"`
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

type UsageResponse struct {
	TenantID       string    `json:"tenantId"`
	Short          int64     `json:"short"`
	Monthly        int64     `json:"monthly"`
	ShortResetAt   time.Time `json:"shortResetAt"`
	MonthlyResetAt time.Time `json:"monthlyResetAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler exposes the ledger over HTTP:
//
//	POST /allow             check and increment
//	GET  /usage/{tenantId}  current counters
type Handler struct {
	ledger *Ledger
	log    logx.Logger
	router chi.Router
}

func NewHandler(ledger *Ledger, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{ledger: ledger, log: log}
	r := chi.NewRouter()
	r.Post("/allow", h.handleAllow)
	r.Get("/usage/{tenantId}", h.handleUsage)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleAllow(w http.ResponseWriter, r *http.Request) {
	var req AllowRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAllowBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if req.TenantID == "" || req.ShortLimit <= 0 || req.MonthlyLimit <= 0 || req.WindowSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tenantId, shortLimit and monthlyLimit are required"})
		return
	}

	d, err := h.ledger.CheckAndIncrement(r.Context(), Request{
		TenantID:     req.TenantID,
		ShortLimit:   req.ShortLimit,
		MonthlyLimit: req.MonthlyLimit,
		Window:       time.Duration(req.WindowSeconds) * time.Second,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if !d.Allow {
		secs := int64(d.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, AllowResponse{Allow: false, RetryAfter: secs})
		return
	}
	writeJSON(w, http.StatusOK, AllowResponse{Allow: true})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	var window time.Duration
	if raw := r.URL.Query().Get("windowSeconds"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid windowSeconds"})
			return
		}
		window = time.Duration(n) * time.Second
	}
	u, err := h.ledger.Usage(r.Context(), tenantID, window, time.Time{})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		TenantID:       tenantID,
		Short:          u.Short,
		Monthly:        u.Monthly,
		ShortResetAt:   u.ShortResetAt,
		MonthlyResetAt: u.MonthlyResetAt,
	})
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrStore):
		h.log.Error("quota store failure", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "quota store unavailable"})
	default:
		h.log.Warn("quota request failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "quota unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
