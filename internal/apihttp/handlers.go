package apihttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/simplethrottle"
	"github.com/keithlinneman/simplethrottle/internal/log"
	"github.com/keithlinneman/simplethrottle/internal/metrics"
)

// handlers serves the throttle API against a registry. All state lives in
// Redis; handlers are safe for concurrent use.
type handlers struct {
	registry *simplethrottle.Registry
	metrics  *metrics.ServerMetrics
}

type checkResponse struct {
	Name    string  `json:"name"`
	Allowed bool    `json:"allowed"`
	Limit   float64 `json:"limit"`
	WaitMS  int64   `json:"wait_ms,omitempty"`
}

type incrementResponse struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Limit float64 `json:"limit"`
}

type statusResponse struct {
	Name           string  `json:"name"`
	Count          int64   `json:"count"`
	Limit          float64 `json:"limit"`
	TTLMS          int64   `json:"ttl_ms"`
	PauseToRecover bool    `json:"pause_to_recover"`
	WaitMS         int64   `json:"wait_ms"`
}

type listResponse struct {
	Throttles []string `json:"throttles"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) *simplethrottle.Throttle {
	name := chi.URLParam(r, "name")
	th := h.registry.Lookup(name)
	if th == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown throttle"})
	}
	return th
}

func (h *handlers) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.metrics.IncStoreError(op)
	log.FromContext(r.Context()).Error(r.Context(), err, "throttle store error", "op", op)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store unavailable"})
}

// check records one event and reports whether it landed within the limit.
// Denied checks answer 429 so callers can branch on status alone.
func (h *handlers) check(w http.ResponseWriter, r *http.Request) {
	th := h.lookup(w, r)
	if th == nil {
		return
	}
	ctx := r.Context()

	start := time.Now()
	allowed, err := th.Allowed(ctx)
	h.metrics.ObserveThrottleOp("check", time.Since(start).Seconds())
	if err != nil {
		h.storeError(w, r, "check", err)
		return
	}
	h.metrics.IncCheck(th.Name(), allowed)

	resp := checkResponse{
		Name:    th.Name(),
		Allowed: allowed,
		Limit:   th.Limit(),
	}

	if allowed {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// best effort retry hint, the deny already happened
	if wait, werr := th.WaitTime(ctx); werr == nil && wait > 0 {
		resp.WaitMS = wait.Milliseconds()
		secs := int64(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, resp)
}

// increment records amount events unconditionally and returns the resulting
// count. Used by callers that batch events or record work after the fact.
func (h *handlers) increment(w http.ResponseWriter, r *http.Request) {
	th := h.lookup(w, r)
	if th == nil {
		return
	}
	ctx := r.Context()

	amount := 1
	if s := r.URL.Query().Get("amount"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid amount"})
			return
		}
		amount = n
	}

	start := time.Now()
	count, err := th.Increment(ctx, amount)
	h.metrics.ObserveThrottleOp("increment", time.Since(start).Seconds())
	if err != nil {
		h.storeError(w, r, "increment", err)
		return
	}
	h.metrics.IncIncrement(th.Name())

	writeJSON(w, http.StatusOK, incrementResponse{
		Name:  th.Name(),
		Count: count,
		Limit: th.Limit(),
	})
}

// status is a read-only snapshot, it never records an event.
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	th := h.lookup(w, r)
	if th == nil {
		return
	}
	ctx := r.Context()

	start := time.Now()
	count, err := th.Peek(ctx)
	h.metrics.ObserveThrottleOp("peek", time.Since(start).Seconds())
	if err != nil {
		h.storeError(w, r, "peek", err)
		return
	}

	wait, err := th.WaitTime(ctx)
	if err != nil {
		h.storeError(w, r, "wait", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Name:           th.Name(),
		Count:          count,
		Limit:          th.Limit(),
		TTLMS:          th.TTL().Milliseconds(),
		PauseToRecover: th.PauseToRecover(),
		WaitMS:         wait.Milliseconds(),
	})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	th := h.lookup(w, r)
	if th == nil {
		return
	}
	ctx := r.Context()

	start := time.Now()
	err := th.Reset(ctx)
	h.metrics.ObserveThrottleOp("reset", time.Since(start).Seconds())
	if err != nil {
		h.storeError(w, r, "reset", err)
		return
	}
	h.metrics.IncReset()

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, listResponse{Throttles: names})
}
