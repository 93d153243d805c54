package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"plantbot/internal/eventbus"
	kit "plantbot/internal/transport"
	logx "plantbot/pkg/logx"
	"plantbot/pkg/tgui"
)

const (
	opSend = "send"
	opEdit = "edit"
)

// Service sends and edits HTML messages through an adapter. It is safe for
// concurrent use.
type Service struct {
	mu      sync.Mutex
	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
	}
	s.applyLocked(cfg)
	return s
}

// SetAdapter swaps the transport; nil makes every call fail.
func (s *Service) SetAdapter(ad kit.Adapter) {
	s.mu.Lock()
	s.adapter = ad
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so short fan-outs don't queue.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers text to a private chat and returns the message id.
func (s *Service) Send(ctx context.Context, chatID int64, text string, kb [][]kit.Button) (int, error) {
	var ref kit.MessageRef
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb}
	attempts, err := s.do(ctx, opSend, chatID, kb, func(c context.Context, ad kit.Adapter) error {
		var err error
		ref, err = ad.SendText(c, kit.ChatTarget{ChatID: chatID}, text, opt)
		return err
	})
	s.finish(opSend, chatID, ref.MessageID, attempts, err)
	if err != nil {
		return 0, err
	}
	return ref.MessageID, nil
}

// Edit replaces the text and keyboard of a sent message. A nil keyboard
// removes the buttons. An unchanged message counts as success.
func (s *Service) Edit(ctx context.Context, chatID int64, messageID int, text string, kb [][]kit.Button) error {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb}
	attempts, err := s.do(ctx, opEdit, chatID, kb, func(c context.Context, ad kit.Adapter) error {
		err := ad.EditText(c, kit.MessageRef{ChatID: chatID, MessageID: messageID}, text, opt)
		if errors.Is(err, kit.ErrNotModified) {
			return nil
		}
		return err
	})
	s.finish(opEdit, chatID, messageID, attempts, err)
	return err
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) do(ctx context.Context, op string, chatID int64, kb [][]kit.Button, call func(context.Context, kit.Adapter) error) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return 0, errors.New("notifier: no adapter")
	}
	if err := checkKeyboard(kb); err != nil {
		return 0, err
	}

	maxAttempts := 1 + cfg.RetryMax
	var err error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if werr := lim.Wait(ctx); werr != nil {
			return attempt, werr
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = call(callCtx, ad)
		cancel()
		if err == nil || errors.Is(err, kit.ErrUnreachable) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt, err)
		s.log.Debug("notifier retry",
			logx.String("op", op), logx.Int64("chat_id", chatID),
			logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, errors.Join(err, ctx.Err())
		}
	}
	return attempt, err
}

func (s *Service) finish(op string, chatID int64, messageID, attempts int, err error) {
	now := time.Now()
	ev := DeliveryEvent{Op: op, ChatID: chatID, MessageID: messageID, Attempts: attempts, At: now}
	item := HistoryItem{At: now, Op: op, ChatID: chatID, Attempts: attempts}
	typ := "notifier.sent"
	if op == opEdit {
		typ = "notifier.edited"
	}
	if err != nil {
		typ = "notifier.failed"
		ev.Error, item.Error = err.Error(), err.Error()
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

func checkKeyboard(kb [][]kit.Button) error {
	for _, row := range kb {
		for _, b := range row {
			if err := tgui.CheckData(b.Data); err != nil {
				return fmt.Errorf("button %q: %w", b.Text, err)
			}
		}
	}
	return nil
}

// retryDelay is the wait before attempt+1: the platform's flood delay when
// given, otherwise exponential with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int, err error) time.Duration {
	var flood *kit.FloodError
	if errors.As(err, &flood) && flood.After > 0 {
		return min(flood.After, cfg.RetryMaxDelay)
	}
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
