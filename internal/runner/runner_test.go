package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/pacer/internal/pattern"
	"github.com/gateway-fm/pacer/internal/ratelimit"
	"github.com/gateway-fm/pacer/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Validation(t *testing.T) {
	l := ratelimit.New(10, ratelimit.WithLogger(quietLogger()))

	if _, err := New(Config{Pattern: pattern.NewConstant(1)}); err == nil {
		t.Error("expected error without limiter")
	}
	if _, err := New(Config{Limiter: l}); err == nil {
		t.Error("expected error without pattern")
	}
	if _, err := New(Config{Limiter: l, Pattern: pattern.NewConstant(1), Duration: -time.Second}); err == nil {
		t.Error("expected error for negative duration")
	}
}

func TestRunner_ConstantRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	l := ratelimit.New(1, ratelimit.WithLogger(quietLogger()))
	r, err := New(Config{
		Limiter:  l,
		Pattern:  pattern.NewConstant(100),
		Workers:  4,
		Duration: time.Second,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	n := len(res.Releases)
	if n < 90 || n > 110 {
		t.Errorf("expected ~100 releases in 1s at 100/s, got %d", n)
	}
	for i := 1; i < n; i++ {
		if res.Releases[i].Before(res.Releases[i-1]) {
			t.Fatal("releases are not sorted")
		}
	}
	if r.Running() {
		t.Error("runner still reports running")
	}
	if got := l.Rate(); got != 1 {
		t.Errorf("expected the limiter's rate to be restored to 1, got %v", got)
	}

	st := r.Status()
	if st.Status != types.StatusIdle || st.Releases != uint64(n) {
		t.Errorf("unexpected status after run: %+v", st)
	}
}

func TestRunner_StopsAtZeroRate(t *testing.T) {
	l := ratelimit.New(0, ratelimit.WithLogger(quietLogger()))
	r, err := New(Config{
		Limiter:  l,
		Pattern:  pattern.NewConstant(0),
		Workers:  3,
		Duration: 100 * time.Millisecond,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *Result, 1)
	go func() {
		res, _ := r.Run(context.Background())
		done <- res
	}()

	select {
	case res := <-done:
		if len(res.Releases) != 0 {
			t.Errorf("expected no releases at rate 0, got %d", len(res.Releases))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workers blocked at rate 0 did not stop")
	}
}

func TestRunner_FollowsPattern(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	l := ratelimit.New(0, ratelimit.WithLogger(quietLogger()))
	r, err := New(Config{
		Limiter:  l,
		Pattern:  pattern.NewSteps([]float64{0, 200}, 300*time.Millisecond),
		Workers:  2,
		Duration: 600 * time.Millisecond,
		Tick:     10 * time.Millisecond,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Releases) == 0 {
		t.Fatal("no releases after the rate went up")
	}
	if first := res.Releases[0].Sub(res.StartedAt); first < 250*time.Millisecond {
		t.Errorf("release at %v, during the zero-rate step", first)
	}
	if n := len(res.Releases); n < 40 || n > 70 {
		t.Errorf("expected ~60 releases in the 200/s step, got %d", n)
	}
}

func TestRunner_DispatchesTasks(t *testing.T) {
	var calls atomic.Int64
	l := ratelimit.New(0, ratelimit.WithLogger(quietLogger()))
	r, err := New(Config{
		Limiter:  l,
		Pattern:  pattern.NewConstant(200),
		Workers:  2,
		Duration: 200 * time.Millisecond,
		Task: func(ctx context.Context) error {
			if calls.Add(1)%2 == 0 {
				return errors.New("even")
			}
			return nil
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Dispatched != uint64(len(res.Releases)) {
		t.Errorf("expected one task per release, got %d tasks for %d releases", res.Dispatched, len(res.Releases))
	}
	if calls.Load() != int64(res.Dispatched) {
		t.Errorf("expected %d task calls after drain, got %d", res.Dispatched, calls.Load())
	}
	if res.Failed != res.Dispatched/2 {
		t.Errorf("expected %d failures, got %d", res.Dispatched/2, res.Failed)
	}
}

func TestRunner_RejectsConcurrentRun(t *testing.T) {
	l := ratelimit.New(0, ratelimit.WithLogger(quietLogger()))
	r, err := New(Config{Limiter: l, Pattern: pattern.NewConstant(0), Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !r.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled from a cancelled run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not return")
	}
}
