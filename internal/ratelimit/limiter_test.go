package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(opts Options) *Limiter {
	if opts.Rand == nil {
		opts.Rand = func() float64 { return 0 }
	}
	return New(zerolog.Nop(), opts)
}

func TestScheduleQueuesUntilRefill(t *testing.T) {
	l := newTestLimiter(Options{})
	l.Register(Endpoint{Key: "e", Capacity: 1, RefillInterval: 200 * time.Millisecond})

	var mu sync.Mutex
	var order []string
	task := func(name string) Task {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	results := make([]any, 2)
	for i, name := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			v, err := l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: name, Weight: 1}, task(name))
			if err != nil {
				t.Errorf("schedule %s: %v", name, err)
			}
			results[i] = v
		}(i, name)
		// deterministic insertion order
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	if results[0] != "A" || results[1] != "B" {
		t.Fatalf("unexpected results %v", results)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("unexpected execution order %v", order)
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Fatalf("second task should have waited for refill, elapsed %v", elapsed)
	}
}

type fake429 struct{}

func (fake429) Error() string    { return "429 too many requests" }
func (fake429) RateLimited() bool { return true }

func TestRetryOnRateLimit(t *testing.T) {
	l := newTestLimiter(Options{})
	l.Register(Endpoint{Key: "e", Capacity: 1, RefillInterval: 100 * time.Millisecond})

	attempts := 0
	v, err := l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: "r", Weight: 1}, func(ctx context.Context) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, fake429{}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if v != "ok" {
		t.Fatalf("value = %v, want ok", v)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	l := newTestLimiter(Options{MaxAttempts: 2})
	l.Register(Endpoint{Key: "e", Capacity: 5, RefillInterval: 50 * time.Millisecond})

	attempts := 0
	_, err := l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: "x", Weight: 1}, func(ctx context.Context) (any, error) {
		attempts++
		return nil, fake429{}
	})
	if !IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestPriorityOrdering(t *testing.T) {
	l := newTestLimiter(Options{})
	l.Register(Endpoint{Key: "e", Capacity: 1, RefillInterval: 120 * time.Millisecond})

	var mu sync.Mutex
	var order []int
	run := func(pri int) {
		_, _ = l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: fmt.Sprintf("p%d", pri), Weight: 1, Priority: pri}, func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, pri)
			mu.Unlock()
			return nil, nil
		})
	}

	// drain the bucket so subsequent submissions queue
	_, _ = l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: "drain", Weight: 1}, func(ctx context.Context) (any, error) { return nil, nil })

	var wg sync.WaitGroup
	for _, pri := range []int{5, 1, 3} {
		wg.Add(1)
		go func(pri int) {
			defer wg.Done()
			run(pri)
		}(pri)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 3 || order[2] != 5 {
		t.Fatalf("unexpected priority order %v", order)
	}
}

func TestUnregisteredAndMissingIdentifier(t *testing.T) {
	l := newTestLimiter(Options{})
	l.Register(Endpoint{Key: "e", Capacity: 1, RefillInterval: time.Second})

	if _, err := l.Schedule(context.Background(), Request{Endpoint: "nope", Identifier: "x"}, nil); !errors.Is(err, ErrUnregisteredEndpoint) {
		t.Fatalf("expected ErrUnregisteredEndpoint, got %v", err)
	}
	if _, err := l.Schedule(context.Background(), Request{Endpoint: "e"}, nil); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected ErrMissingIdentifier, got %v", err)
	}
}

func TestContextCancelWhileQueued(t *testing.T) {
	l := newTestLimiter(Options{})
	l.Register(Endpoint{Key: "e", Capacity: 1, RefillInterval: time.Hour})

	// exhaust tokens
	_, _ = l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: "drain", Weight: 1}, func(ctx context.Context) (any, error) { return nil, nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Schedule(ctx, Request{Endpoint: "e", Identifier: "queued", Weight: 1}, func(ctx context.Context) (any, error) { return nil, nil })
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request did not return")
	}
}

func TestUsageFeedbackInsertsCooldown(t *testing.T) {
	l := newTestLimiter(Options{HighWater: 0.5, FeedbackMaxDelay: 150 * time.Millisecond})
	l.Register(Endpoint{Key: "e", Capacity: 10, RefillInterval: time.Second})

	l.ObserveUsage("e", 100, 100)

	start := time.Now()
	_, err := l.Schedule(context.Background(), Request{Endpoint: "e", Identifier: "after", Weight: 1}, func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected cooperative delay, elapsed %v", elapsed)
	}
}
