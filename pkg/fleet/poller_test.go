package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances by a fixed step every time the poller sleeps, so waits
// complete instantly while elapsed-time accounting stays realistic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPoller(clock *fakeClock, opts ...PollerOption) *Poller {
	base := []PollerOption{
		WithPollInterval(10 * time.Second),
		WithPollGrace(60 * time.Second),
		WithPollerClock(clock.Now),
		WithPollerSleep(func(d time.Duration) { clock.Advance(d) }),
	}
	return NewPoller(append(base, opts...)...)
}

func TestPollerWaitCompletesWhenAllHostsFinish(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	poller := newTestPoller(clock)

	var mu sync.Mutex
	passes := 0
	running := func(ctx context.Context, host string) bool {
		mu.Lock()
		defer mu.Unlock()
		if host == "vm-2" {
			return passes < 3
		}
		return false
	}

	hosts := []string{"vm-1", "vm-2"}
	done := make(chan WaitResult, 1)
	go func() {
		done <- poller.Wait(context.Background(), hosts, 5*time.Minute, func(ctx context.Context, host string) bool {
			mu.Lock()
			if host == hosts[0] {
				passes++
			}
			mu.Unlock()
			return running(ctx, host)
		}, nil)
	}()

	res := <-done
	if !res.Completed {
		t.Fatalf("expected completion, got %+v", res)
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}

func TestPollerWaitDeadlineWithoutArtifacts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	poller := newTestPoller(clock)

	alwaysRunning := func(ctx context.Context, host string) bool { return true }

	res := poller.Wait(context.Background(), []string{"vm-1", "vm-2"}, 30*time.Second, alwaysRunning, nil)
	if res.Completed {
		t.Fatal("expected incomplete result after deadline")
	}
	if len(res.StillRunning) != 2 {
		t.Fatalf("expected both hosts still running, got %v", res.StillRunning)
	}
	if res.StillRunning[0] != "vm-1" || res.StillRunning[1] != "vm-2" {
		t.Fatalf("expected host order preserved, got %v", res.StillRunning)
	}
}

func TestPollerWaitArtifactFallbackCompletes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	poller := newTestPoller(clock)

	alwaysRunning := func(ctx context.Context, host string) bool { return true }
	artifactPresent := func(ctx context.Context, host string) bool { return true }

	res := poller.Wait(context.Background(), []string{"vm-1", "vm-2"}, 30*time.Second, alwaysRunning, artifactPresent)
	if !res.Completed {
		t.Fatalf("expected artifact fallback to complete the wait, got %+v", res)
	}
}

func TestPollerWaitArtifactFallbackPartial(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	poller := newTestPoller(clock)

	alwaysRunning := func(ctx context.Context, host string) bool { return true }
	artifact := func(ctx context.Context, host string) bool { return host == "vm-1" }

	res := poller.Wait(context.Background(), []string{"vm-1", "vm-2"}, 30*time.Second, alwaysRunning, artifact)
	if res.Completed {
		t.Fatal("expected incomplete result when artifacts are missing")
	}
	if len(res.StillRunning) != 2 {
		t.Fatalf("expected still-running hosts reported, got %v", res.StillRunning)
	}
}

func TestPollerWaitHonoursContextCancellation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ctx, cancel := context.WithCancel(context.Background())

	poller := NewPoller(
		WithPollInterval(10*time.Second),
		WithPollGrace(60*time.Second),
		WithPollerClock(clock.Now),
		WithPollerSleep(func(time.Duration) { cancel() }),
	)

	res := poller.Wait(ctx, []string{"vm-1"}, time.Hour, func(ctx context.Context, host string) bool { return true }, nil)
	if res.Completed {
		t.Fatal("expected cancellation to abort the wait")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
}
