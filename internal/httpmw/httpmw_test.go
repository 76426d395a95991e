package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Chain

func TestChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	Chain(h, mk("outer"), mk("inner")).ServeHTTP(
		httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/", http.NoBody),
	)

	want := "outer,inner,handler"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order = %q, want %q", got, want)
	}
}

func TestChain_NilMiddlewareSkipped(t *testing.T) {
	called := false
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	Chain(h, nil, nil).ServeHTTP(
		httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/", http.NoBody),
	)

	if !called {
		t.Fatal("handler not reached through nil middlewares")
	}
}

// RequestID

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	RequestID("")(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if seen == "" {
		t.Fatal("no request ID in context")
	}
	if len(seen) != 32 {
		t.Fatalf("request ID length = %d, want 32 hex chars", len(seen))
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("response header = %q, context = %q", got, seen)
	}
}

func TestRequestID_PropagatesExisting(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Request-Id", "upstream-id-123")

	rec := httptest.NewRecorder()
	RequestID("")(h).ServeHTTP(rec, req)

	if seen != "upstream-id-123" {
		t.Fatalf("request ID = %q, want upstream value", seen)
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

// MaxBody

func TestMaxBody_AllowsSmallBody(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		w.Write(buf[:n])
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
	rec := httptest.NewRecorder()
	MaxBody(1024)(h).ServeHTTP(rec, req)

	if rec.Body.String() != "small" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestMaxBody_RejectsOversized(t *testing.T) {
	var readErr error
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
	MaxBody(10)(h).ServeHTTP(httptest.NewRecorder(), req)

	if readErr == nil {
		t.Fatal("expected read error for oversized body")
	}
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("err = %T %v, want MaxBytesError", readErr, readErr)
	}
}

// ClientIP

func TestClientIP_PublicRemoteIgnoresXFF(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIPFromContext(r.Context())
		if r.Header.Get("X-Forwarded-For") != "" {
			t.Error("X-Forwarded-For not stripped for public remote")
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(h).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "203.0.113.9" {
		t.Fatalf("client IP = %q, want RemoteAddr host", seen)
	}
}

func TestClientIP_TrustedHopSelectsRightmost(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIPFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.5:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.7")

	ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(h).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "203.0.113.7" {
		t.Fatalf("client IP = %q, want rightmost XFF entry", seen)
	}
}

func TestClientIP_ZeroHopsStripsHeader(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIPFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.5:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	ClientIP(h).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "10.0.0.5" {
		t.Fatalf("client IP = %q, want RemoteAddr host", seen)
	}
}

func TestClientIP_FewerEntriesThanHopsFailsClosed(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIPFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.5:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	ClientIPWithOptions(ClientIPOptions{TrustedHops: 3})(h).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "10.0.0.5" {
		t.Fatalf("client IP = %q, want RemoteAddr host when XFF too short", seen)
	}
}
