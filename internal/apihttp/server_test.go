package apihttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/simplethrottle"
	"github.com/keithlinneman/simplethrottle/internal/log"
	"github.com/keithlinneman/simplethrottle/internal/metrics"
)

// newTestHandler wires a real registry backed by miniredis through the full
// handler chain.
func newTestHandler(t *testing.T) (http.Handler, *simplethrottle.Registry) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := simplethrottle.NewRegistry()
	reg.Add("api-calls", 3, time.Second, simplethrottle.WithClient(client))
	reg.Add("logins", 1, 200*time.Millisecond, simplethrottle.WithClient(client))

	h := NewHandler(&Options{
		Logger:       log.Nop(),
		Registry:     reg,
		Metrics:      metrics.New(),
		UseRecoverMW: true,
	})
	return h, reg
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	h, _ := newTestHandler(t)

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")
		if rec.Code != http.StatusOK {
			t.Fatalf("check %d: status = %d, want 200", i+1, rec.Code)
		}
		resp := decode[checkResponse](t, rec)
		if !resp.Allowed {
			t.Fatalf("check %d: allowed = false, want true", i+1)
		}
		if resp.Limit != 3 {
			t.Fatalf("limit = %g, want 3", resp.Limit)
		}
	}

	rec := do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th check: status = %d, want 429", rec.Code)
	}
	resp := decode[checkResponse](t, rec)
	if resp.Allowed {
		t.Fatal("4th check: allowed = true, want false")
	}
	if resp.WaitMS <= 0 {
		t.Fatalf("wait_ms = %d, want > 0 on denial", resp.WaitMS)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After not set on denial")
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/throttles/logins/check")
	if rec.Code != http.StatusOK {
		t.Fatalf("first check: status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/throttles/logins/check")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second check: status = %d, want 429", rec.Code)
	}

	time.Sleep(250 * time.Millisecond)

	rec = do(t, h, http.MethodPost, "/v1/throttles/logins/check")
	if rec.Code != http.StatusOK {
		t.Fatalf("check after window: status = %d, want 200", rec.Code)
	}
}

func TestCheck_UnknownThrottle(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/throttles/nope/check")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Error != "unknown throttle" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestIncrement_CountsAndClamps(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/throttles/api-calls/increment?amount=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[incrementResponse](t, rec)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	// overshoot: at most one entry lands beyond the limit
	rec = do(t, h, http.MethodPost, "/v1/throttles/api-calls/increment?amount=50")
	resp = decode[incrementResponse](t, rec)
	if resp.Count != 4 {
		t.Fatalf("count after overshoot = %d, want 4", resp.Count)
	}
}

func TestIncrement_DefaultsToOne(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/throttles/api-calls/increment")
	resp := decode[incrementResponse](t, rec)
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
}

func TestIncrement_InvalidAmount(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/throttles/api-calls/increment?amount=two")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStatus_SnapshotDoesNotRecord(t *testing.T) {
	h, _ := newTestHandler(t)

	do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")
	do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodGet, "/v1/throttles/api-calls")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decode[statusResponse](t, rec)
		if resp.Count != 2 {
			t.Fatalf("count = %d, want 2 (status must not record)", resp.Count)
		}
		if resp.Limit != 3 || resp.TTLMS != 1000 {
			t.Fatalf("resp = %+v", resp)
		}
		if resp.WaitMS != 0 {
			t.Fatalf("wait_ms = %d, want 0 under capacity", resp.WaitMS)
		}
	}
}

func TestReset_ClearsWindow(t *testing.T) {
	h, _ := newTestHandler(t)

	for i := 0; i < 4; i++ {
		do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")
	}

	rec := do(t, h, http.MethodDelete, "/v1/throttles/api-calls")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d, want 204", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")
	if rec.Code != http.StatusOK {
		t.Fatalf("check after reset: status = %d, want 200", rec.Code)
	}
}

func TestList_ReturnsNames(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/v1/throttles")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[listResponse](t, rec)
	if len(resp.Throttles) != 2 {
		t.Fatalf("throttles = %v, want 2 entries", resp.Throttles)
	}
}

func TestHandler_RequestIDHeader(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/v1/throttles")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id not set on response")
	}
}

func TestHandler_StoreDownReturns500(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := simplethrottle.NewRegistry()
	reg.Add("api-calls", 3, time.Second, simplethrottle.WithClient(client))

	h := NewHandler(&Options{
		Logger:   log.Nop(),
		Registry: reg,
		Metrics:  metrics.New(),
	})

	mr.Close()

	rec := do(t, h, http.MethodPost, "/v1/throttles/api-calls/check")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 with store down", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Error != "store unavailable" {
		t.Fatalf("error = %q", resp.Error)
	}
}
