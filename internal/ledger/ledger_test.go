package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"gcli2api/internal/classify"
)

func newTestLedger() *Ledger {
	return Open(Options{Clock: time.Now})
}

func TestAcquireRelease_LeaseBalance(t *testing.T) {
	l := newTestLedger()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cred, err := l.Acquire(ctx, []string{"a", "b"}, "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	snaps := l.Snapshots()
	found := false
	for _, s := range snaps {
		if s.Credential == cred {
			found = true
			if s.InFlight["m1"] != 1 {
				t.Fatalf("in_flight = %d, want 1", s.InFlight["m1"])
			}
		}
	}
	if !found {
		t.Fatal("acquired credential missing from snapshot")
	}
	l.Release(cred, "m1")
	for _, s := range l.Snapshots() {
		if s.Credential == cred && s.InFlight["m1"] != 0 {
			t.Fatalf("in_flight after release = %d, want 0", s.InFlight["m1"])
		}
	}
}

func TestRecordFailure_CooldownMonotone(t *testing.T) {
	l := newTestLedger()
	ce1 := &classify.Error{Kind: classify.KindServerError}
	l.RecordFailure("cred1", "m1", ce1)
	first := l.Snapshots()[0].ModelCooldowns["m1"]

	ce2 := &classify.Error{Kind: classify.KindBadRequest}
	l.RecordFailure("cred1", "m1", ce2)
	second := l.Snapshots()[0].ModelCooldowns["m1"]

	if second < first {
		t.Fatalf("cooldown shrank: first=%d second=%d", first, second)
	}
}

func TestRecordSuccess_Idempotence(t *testing.T) {
	l1 := newTestLedger()
	l1.RecordSuccess("c", "m", &Usage{PromptTokens: 30, CompletionTokens: 20})

	l2 := newTestLedger()
	l2.RecordSuccess("c", "m", &Usage{PromptTokens: 10, CompletionTokens: 5})
	l2.RecordSuccess("c", "m", &Usage{PromptTokens: 20, CompletionTokens: 15})

	s1 := l1.Snapshots()[0].Daily.Models["m"]
	s2 := l2.Snapshots()[0].Daily.Models["m"]
	if s1.PromptTokens != s2.PromptTokens || s1.CompletionTokens != s2.CompletionTokens {
		t.Fatalf("token totals diverged: %+v vs %+v", s1, s2)
	}
}

func TestRecordFailure_ResetsOnSuccess(t *testing.T) {
	l := newTestLedger()
	l.RecordFailure("c", "m", &classify.Error{Kind: classify.KindTimeout})
	l.RecordFailure("c", "m", &classify.Error{Kind: classify.KindTimeout})
	l.RecordSuccess("c", "m", nil)
	snap := l.Snapshots()[0]
	if fi, ok := snap.Failures["m"]; ok && fi.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0 after success", fi.ConsecutiveFailures)
	}
}

func TestAcquire_FairSelection(t *testing.T) {
	l := newTestLedger()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Give "a" a failure streak so "b" should be preferred.
	l.RecordFailure("a", "m1", &classify.Error{Kind: classify.KindBadRequest})

	cred, err := l.Acquire(ctx, []string{"a", "b"}, "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if cred != "b" {
		t.Fatalf("selected %s, want b (fewer consecutive failures)", cred)
	}
	l.Release(cred, "m1")
}

func TestAcquire_BlocksUntilCooldownExpires(t *testing.T) {
	l := newTestLedger()
	l.RecordFailure("only", "m1", &classify.Error{Kind: classify.KindTransport}) // ~10s cooldown

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, []string{"only"}, "m1")
	if err != ErrNoCredentialsAvailable {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatal("returned too early")
	}
}

func TestAcquire_WakesOnRelease(t *testing.T) {
	l := newTestLedger()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := l.Acquire(ctx, []string{"solo"}, "m1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var second string
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = l.Acquire(ctx, []string{"solo"}, "m1")
	}()

	time.Sleep(50 * time.Millisecond)
	l.Release(first, "m1")
	wg.Wait()
	if secondErr != nil {
		t.Fatalf("second acquire: %v", secondErr)
	}
	if second != "solo" {
		t.Fatalf("second = %s, want solo", second)
	}
}

func TestCooldownFor_RateLimitStreakDoubling(t *testing.T) {
	base := cooldownFor(classify.KindRateLimit, 15, 1)
	streaked := cooldownFor(classify.KindRateLimit, 15, 3)
	if streaked < base {
		t.Fatalf("streaked cooldown %d should not be less than base %d", streaked, base)
	}
}

func TestCooldownFor_BadRequestIsZero(t *testing.T) {
	if got := cooldownFor(classify.KindBadRequest, 0, 5); got != 0 {
		t.Fatalf("bad_request cooldown = %d, want 0", got)
	}
	if got := cooldownFor(classify.KindContextWindow, 0, 5); got != 0 {
		t.Fatalf("context_window cooldown = %d, want 0", got)
	}
}
