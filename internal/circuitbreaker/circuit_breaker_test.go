package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errStore = errors.New("store unavailable")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func fail(context.Context) error    { return errStore }
func succeed(context.Context) error { return nil }

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(context.Background(), fail); err == nil {
						t.Error("Expected failure")
					}
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "open_rejects_without_calling",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				called := false
				err := cb.Execute(context.Background(), func(context.Context) error {
					called = true
					return nil
				})
				if !errors.Is(err, ErrCircuitBreakerOpen) {
					t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
				}
				if called {
					t.Error("Function should not run while open")
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "half_open_to_closed_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				time.Sleep(110 * time.Millisecond)
				if err := cb.Execute(context.Background(), succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_open_on_failure",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				time.Sleep(110 * time.Millisecond)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateOpen,
		},
		{
			name: "success_resets_failure_count",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), succeed)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(Config{
				Name:        tt.name,
				MaxFailures: 3,
				Timeout:     100 * time.Millisecond,
				MaxRequests: 1,
			}, quietLogger())

			tt.scenario(t, cb)

			if cb.State() != tt.expectedEnd {
				t.Errorf("Expected state %s, got %s", tt.expectedEnd, cb.State())
			}
		})
	}
}

func TestExecuteHonoursContextDeadline(t *testing.T) {
	cb := New(Config{Name: "slow", MaxFailures: 1, Timeout: time.Minute}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := cb.Execute(ctx, func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Execute blocked for %s after the deadline", elapsed)
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected timeout to count as failure and open the breaker, got %s", cb.State())
	}
}

func TestIsFailureFiltersErrors(t *testing.T) {
	errInvalid := errors.New("bad input")
	cb := New(Config{
		Name:        "filtered",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, errInvalid) },
	}, quietLogger())

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errInvalid })
		if !errors.Is(err, errInvalid) {
			t.Fatalf("Expected caller error to be returned, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("Expected caller errors not to trip the breaker, got %s", cb.State())
	}

	cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Errorf("Expected store error to trip the breaker, got %s", cb.State())
	}
}

func TestConfigDefaultsAndCaps(t *testing.T) {
	cb := New(Config{MaxFailures: -1, Timeout: time.Hour, MaxRequests: 500}, quietLogger())

	if cb.Name() != "unnamed" {
		t.Errorf("Expected default name, got %q", cb.Name())
	}
	if cb.maxFailures != 5 {
		t.Errorf("Expected default max failures 5, got %d", cb.maxFailures)
	}
	if cb.timeout != 10*time.Minute {
		t.Errorf("Expected timeout capped at 10m, got %s", cb.timeout)
	}
	if cb.maxRequests != 100 {
		t.Errorf("Expected max requests capped at 100, got %d", cb.maxRequests)
	}
}

func TestSnapshotCounters(t *testing.T) {
	cb := New(Config{Name: "counted", MaxFailures: 2, Timeout: time.Minute}, quietLogger())

	cb.Execute(context.Background(), succeed)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), succeed)

	snap := cb.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("Expected 3 attempted requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 1 || snap.TotalFailures != 2 {
		t.Errorf("Unexpected outcome counters: %+v", snap)
	}
	if snap.TotalRejected != 1 {
		t.Errorf("Expected 1 rejected request, got %d", snap.TotalRejected)
	}
	if snap.State != "open" {
		t.Errorf("Expected open state, got %s", snap.State)
	}
}

func TestStateChangeCallback(t *testing.T) {
	var transitions int32
	done := make(chan struct{}, 1)
	cb := New(Config{
		Name:        "callback",
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			if from == StateClosed && to == StateOpen {
				atomic.AddInt32(&transitions, 1)
				done <- struct{}{}
			}
		},
	}, quietLogger())

	cb.Execute(context.Background(), fail)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("State change callback not invoked")
	}
	if atomic.LoadInt32(&transitions) != 1 {
		t.Errorf("Expected one closed->open callback, got %d", transitions)
	}
}

func TestConcurrentExecute(t *testing.T) {
	cb := New(Config{Name: "concurrent", MaxFailures: 1000, Timeout: time.Minute}, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.Execute(context.Background(), succeed)
			} else {
				cb.Execute(context.Background(), fail)
			}
		}(i)
	}
	wg.Wait()

	snap := cb.Snapshot()
	if snap.TotalRequests != 50 {
		t.Errorf("Expected 50 requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses+snap.TotalFailures != snap.TotalRequests {
		t.Errorf("Counters out of balance: %+v", snap)
	}
}

func TestReset(t *testing.T) {
	cb := New(Config{Name: "reset", MaxFailures: 1, Timeout: time.Minute}, quietLogger())
	cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after reset, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected success after reset, got %v", err)
	}
}
