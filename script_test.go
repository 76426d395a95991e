package simplethrottle

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestClient spins an in-process redis so the real script path
// (SCRIPT LOAD + EVALSHA) is exercised, not a fake.
func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// runScript drives the window script with a synthetic clock so the
// trim/clamp arithmetic can be tested deterministically.
func runScript(t *testing.T, client redis.UniversalClient, key string, limit float64, ttlMillis, nowMillis int64, pause bool, amount int, cleanup bool) int64 {
	t.Helper()
	n, err := evalWindowScript(context.Background(), client, key,
		limit, ttlMillis, nowMillis, boolArg(pause), amount, boolArg(cleanup))
	if err != nil {
		t.Fatalf("script at now=%d: %v", nowMillis, err)
	}
	return n
}

func TestScript_AdmitsUpToLimit(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-admit"

	for i := int64(1); i <= 3; i++ {
		if n := runScript(t, client, key, 3, 1000, i*10, false, 1, false); n != i {
			t.Fatalf("call %d: want count %d, got %d", i, i, n)
		}
	}
	// at capacity: reported count goes one past the limit, nothing recorded
	if n := runScript(t, client, key, 3, 1000, 40, false, 1, false); n != 4 {
		t.Fatalf("over-capacity call: want count 4, got %d", n)
	}
	if size, _ := client.LLen(context.Background(), key).Result(); size != 3 {
		t.Fatalf("list size after denial: want 3, got %d", size)
	}
}

func TestScript_TrimsExpiredPrefixAtCapacity(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-trim"

	runScript(t, client, key, 2, 1000, 0, false, 1, false)
	runScript(t, client, key, 2, 1000, 600, false, 1, false)

	// the entry at t=0 has aged out by t=1100; the size check at capacity
	// triggers the trim and frees its slot
	if n := runScript(t, client, key, 2, 1000, 1100, false, 1, false); n != 2 {
		t.Fatalf("want count 2 after expired prefix trimmed, got %d", n)
	}
}

func TestScript_TrimStopsAtFirstFreshEntry(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-fresh"

	runScript(t, client, key, 2, 1000, 0, false, 1, false)
	runScript(t, client, key, 2, 1000, 900, false, 1, false)

	// t=0 expired, t=900 still fresh: exactly one slot frees
	if n := runScript(t, client, key, 2, 1000, 1500, false, 1, false); n != 2 {
		t.Fatalf("want count 2, got %d", n)
	}
	// and the fresh entry must have been restored at the head
	head, err := client.LIndex(context.Background(), key, 0).Result()
	if err != nil {
		t.Fatalf("lindex: %v", err)
	}
	if head != "900" {
		t.Fatalf("head after trim: want 900, got %s", head)
	}
}

func TestScript_ForcedCleanupBelowCapacity(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-cleanup"

	runScript(t, client, key, 10, 1000, 0, false, 1, false)
	runScript(t, client, key, 10, 1000, 1500, false, 1, false)

	// without cleanup the size check doesn't trim below capacity, so the
	// expired t=0 entry would still be counted
	if n := runScript(t, client, key, 10, 1000, 2000, false, 1, true); n != 2 {
		t.Fatalf("forced cleanup: want count 2 (one expired, one fresh, one new), got %d", n)
	}
}

func TestScript_IncrementClampBound(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-clamp"

	// asking for far more than capacity reports at most limit+1
	if n := runScript(t, client, key, 3, 1000, 10, false, 100, true); n != 4 {
		t.Fatalf("want clamped count 4 (limit+1), got %d", n)
	}
}

func TestScript_IncrementClampBoundPauseToRecover(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-clamp-pause"

	// with pause-to-recover the hard ceiling is limit+2
	if n := runScript(t, client, key, 3, 1000, 10, true, 100, true); n != 5 {
		t.Fatalf("want clamped count 5 (limit+2), got %d", n)
	}
	if n := runScript(t, client, key, 3, 1000, 20, true, 100, true); n > 5 {
		t.Fatalf("repeat increment exceeded limit+2: got %d", n)
	}
}

func TestScript_PauseToRecoverPenaltyRefreshes(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-pause"
	const ttl = 1000

	// two admissions, staggered inside the window
	if n := runScript(t, client, key, 2, ttl, 0, true, 1, false); n != 1 {
		t.Fatalf("first call: want 1, got %d", n)
	}
	if n := runScript(t, client, key, 2, ttl, 300, true, 1, false); n != 2 {
		t.Fatalf("second call: want 2, got %d", n)
	}
	// saturated: the denial itself is recorded as a penalty marker
	if n := runScript(t, client, key, 2, ttl, 600, true, 1, false); n != 3 {
		t.Fatalf("third call: want 3 (denied, marker recorded), got %d", n)
	}

	// sustained calls: each time an old entry ages out, the denied call
	// drops a fresh marker, so nothing ever succeeds
	for _, now := range []int64{750, 1100, 1400, 1700, 2000, 2300} {
		if n := runScript(t, client, key, 2, ttl, now, true, 1, false); n <= 2 {
			t.Fatalf("sustained call at t=%d unexpectedly admitted (count %d)", now, n)
		}
	}

	// a real idle gap clears the whole window and admission resumes
	if n := runScript(t, client, key, 2, ttl, 3500, true, 1, false); n != 1 {
		t.Fatalf("after idle gap: want 1, got %d", n)
	}
}

func TestScript_ZeroLimitNeverAdmits(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-zero"

	for i := int64(0); i < 3; i++ {
		n := runScript(t, client, key, 0, 1000, i*10, false, 1, false)
		if n < 1 {
			t.Fatalf("call %d: count %d would read as admitted against limit 0", i, n)
		}
	}
	if size, _ := client.LLen(context.Background(), key).Result(); size != 0 {
		t.Fatalf("limit 0 must record nothing, list has %d entries", size)
	}
}

func TestScript_FractionalLimit(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-frac"

	// limit 1.5: first call fits (1 <= 1.5), second does not
	if n := runScript(t, client, key, 1.5, 1000, 10, false, 1, false); n != 1 {
		t.Fatalf("first call: want 1, got %d", n)
	}
	if n := runScript(t, client, key, 1.5, 1000, 20, false, 1, false); float64(n) <= 1.5 {
		t.Fatalf("second call: want count above 1.5, got %d", n)
	}
}

func TestScript_ReloadsAfterScriptCacheFlush(t *testing.T) {
	client := newTestClient(t)
	key := "simple_throttle.script-reload"

	if _, err := evalWindowScript(context.Background(), client, key, 5.0, int64(1000), int64(10), 0, 1, 0); err != nil {
		t.Fatalf("first eval: %v", err)
	}

	// poison the cached SHA to simulate a store that flushed its script
	// cache; the next call must reload and retry once, transparently
	scriptSHA.Store("0000000000000000000000000000000000000000")
	reloads := 0
	prev := OnScriptReload
	OnScriptReload = func() { reloads++ }
	defer func() { OnScriptReload = prev }()

	n, err := evalWindowScript(context.Background(), client, key, 5.0, int64(1000), int64(20), 0, 1, 0)
	if err != nil {
		t.Fatalf("eval after cache flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("want count 2 after reload, got %d", n)
	}
	if reloads != 1 {
		t.Fatalf("want exactly one reload, got %d", reloads)
	}
}
