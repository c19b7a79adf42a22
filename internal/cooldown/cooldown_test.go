package cooldown

import (
	"sync"
	"testing"
	"time"
)

func TestStart_MaxOfCandidates(t *testing.T) {
	c := New()
	c.Start("p", 30)
	c.Start("p", 10) // shorter; must not shrink the window
	if rem := c.Remaining("p"); rem < 25*time.Second {
		t.Fatalf("cooldown shrunk: remaining=%v", rem)
	}
}

func TestConcurrentStart_Coalescing(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	hints := []int{30, 90}
	for _, h := range hints {
		wg.Add(1)
		go func(secs int) {
			defer wg.Done()
			c.Start("p", secs)
		}(h)
	}
	wg.Wait()
	if !c.IsCooling("p") {
		t.Fatal("expected provider to be cooling")
	}
	rem := c.Remaining("p")
	if rem < 85*time.Second || rem > 91*time.Second {
		t.Fatalf("remaining=%v, want ~90s", rem)
	}
}

func TestIsCooling_Expired(t *testing.T) {
	c := New()
	c.Start("p", 0) // no-op
	if c.IsCooling("p") {
		t.Fatal("zero-second cooldown should not cool")
	}
}
