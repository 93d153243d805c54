package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"plantbot/internal/eventbus"
	logx "plantbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "noop", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, ch, "task.finished")
	if !ran.Load() {
		t.Fatalf("task did not run")
	}
	if ev.ID == "" {
		t.Fatalf("task id not assigned")
	}
	if ev.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", ev.Attempts)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond}, bus)

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	ev := waitEvent(t, ch, "task.finished")
	if ev.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", ev.Attempts)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond}, bus)

	sentinel := errors.New("gone")
	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "fatal", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(sentinel)
	}})
	ev := waitEvent(t, ch, "task.failed")
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if ev.Error != sentinel.Error() {
		t.Fatalf("Error = %q, want %q", ev.Error, sentinel.Error())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	_ = s.Enqueue(Task{Name: "boom", RetryMax: -1, Run: func(ctx context.Context) error {
		panic("boom")
	}})
	waitEvent(t, ch, "task.failed")

	// The worker must survive and run the next task.
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { return nil }})
	waitEvent(t, ch, "task.finished")
}

func TestTimeoutCancelsContext(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, RetryMax: -1, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ev := waitEvent(t, ch, "task.failed")
	if ev.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("Error = %q, want deadline exceeded", ev.Error)
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()

	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Enqueue = %v, want ErrDisabled", err)
	}

	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started Enqueue = %v, want ErrStopped", err)
	}

	s := startEngine(t, Config{Workers: 1}, nil)
	if err := s.Enqueue(Task{Name: "", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := s.Enqueue(Task{Name: "nil"}); err == nil {
		t.Fatalf("nil Run accepted")
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "fill", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("fill Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "over", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("over Enqueue = %v, want ErrQueueFull", err)
	}
	close(release)
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	tests := []struct {
		retry int
		err   error
		want  time.Duration
	}{
		{1, errors.New("x"), 100 * time.Millisecond},
		{2, errors.New("x"), 200 * time.Millisecond},
		{4, errors.New("x"), 800 * time.Millisecond},
		{20, errors.New("x"), retryMaxDelay},
		{1, RetryAfter(errors.New("flood"), 3*time.Second), 3 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		if got := backoffDelay(base, tt.retry, tt.err, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d, %v) = %v, want %v", tt.retry, tt.err, got, tt.want)
		}
	}
}
