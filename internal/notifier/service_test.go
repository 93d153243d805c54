package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "plantbot/internal/transport"
	logx "plantbot/pkg/logx"
	"plantbot/pkg/tgui"
)

type fakeAdapter struct {
	mu      sync.Mutex
	calls   int
	errs    []error // returned in order, then nil
	lastOpt *kit.SendOptions
	lastTo  kit.ChatTarget
	block   bool
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error {
	return nil
}

func (f *fakeAdapter) next(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, _ string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.lastTo, f.lastOpt = to, opt
	f.mu.Unlock()
	if err := f.next(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 77}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, _ kit.MessageRef, _ string, opt *kit.SendOptions) error {
	f.mu.Lock()
	f.lastOpt = opt
	f.mu.Unlock()
	return f.next(ctx)
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 50 * time.Millisecond, SendTimeout: time.Second}
}

func TestSendReturnsMessageID(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(fastConfig(), ad, logx.Nop(), nil)

	kb := [][]kit.Button{{{Text: "ok", Data: "rem:done:1"}}}
	id, err := s.Send(context.Background(), 42, "<b>hi</b>", kb)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 77 {
		t.Fatalf("id = %d, want 77", id)
	}
	if ad.lastTo.ChatID != 42 || ad.lastOpt.ParseMode != "HTML" || len(ad.lastOpt.Keyboard) != 1 {
		t.Fatalf("sent to %+v with %+v", ad.lastTo, ad.lastOpt)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Op != opSend || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendRetries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"transient then ok", []error{errors.New("timeout"), errors.New("timeout")}, 3, false},
		{"flood wait honoured", []error{&kit.FloodError{Err: errors.New("429"), After: 5 * time.Millisecond}}, 2, false},
		{"unreachable is final", []error{kit.ErrUnreachable}, 1, true},
		{"gives up", []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}, 4, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ad := &fakeAdapter{errs: tt.errs}
			s := New(fastConfig(), ad, logx.Nop(), nil)
			_, err := s.Send(context.Background(), 1, "x", nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ad.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", ad.calls, tt.wantCalls)
			}
		})
	}
}

func TestEditNotModifiedIsSuccess(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{kit.ErrNotModified}}
	s := New(fastConfig(), ad, logx.Nop(), nil)
	if err := s.Edit(context.Background(), 1, 2, "x", nil); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if ad.calls != 1 {
		t.Fatalf("calls = %d, want 1", ad.calls)
	}
	if ad.lastOpt.Keyboard != nil {
		t.Fatalf("keyboard = %+v, want nil", ad.lastOpt.Keyboard)
	}
}

func TestSendTimeoutPerCall(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 0
	cfg.SendTimeout = 20 * time.Millisecond
	ad := &fakeAdapter{block: true}
	s := New(cfg, ad, logx.Nop(), nil)

	start := time.Now()
	_, err := s.Send(context.Background(), 1, "x", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("send was not bounded by the timeout")
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	if got := retryDelay(cfg, 1, &kit.FloodError{After: 300 * time.Millisecond}); got != 300*time.Millisecond {
		t.Fatalf("flood delay = %v, want 300ms", got)
	}
	if got := retryDelay(cfg, 1, &kit.FloodError{After: time.Minute}); got != time.Second {
		t.Fatalf("flood delay = %v, want cap 1s", got)
	}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second} {
		got := retryDelay(cfg, attempt, errors.New("x"))
		lo, hi := time.Duration(float64(want)*0.7), time.Duration(float64(want)*1.3)
		if hi > cfg.RetryMaxDelay {
			hi = cfg.RetryMaxDelay
		}
		if got < lo || got > hi {
			t.Fatalf("retryDelay(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestSendRejectsLongButtonData(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(fastConfig(), ad, logx.Nop(), nil)

	kb := [][]kit.Button{{{Text: "long", Data: strings.Repeat("x", tgui.MaxCallbackDataLen+1)}}}
	if _, err := s.Send(context.Background(), 1, "hi", kb); !errors.Is(err, tgui.ErrCallbackDataTooLong) {
		t.Fatalf("Send err = %v, want ErrCallbackDataTooLong", err)
	}
	if ad.calls != 0 {
		t.Fatalf("adapter calls = %d, want 0", ad.calls)
	}
}
