package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

var stdout io.Writer = os.Stdout

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig mirrors records at or above MinLevel to an admin chat.
type AlertConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// SendFunc delivers one plain-text alert to a chat.
type SendFunc func(ctx context.Context, chatID int64, text string) error

type Option func(*Service)

// WithFs replaces the filesystem the log file is opened on.
func WithFs(fs afero.Fs) Option { return func(s *Service) { s.fs = fs } }

// WithConsole replaces stdout as the console sink.
func WithConsole(w io.Writer) Option { return func(s *Service) { s.console = w } }

// Service owns the sinks. Apply swaps them at runtime; Loggers obtained from
// Logger() pick up the change on their next call.
type Service struct {
	fs      afero.Fs
	console io.Writer

	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     afero.File
	send     SendFunc
	chatID   int64
	minLevel Level
	limiter  *rate.Limiter

	alerts  chan string
	stopMu  sync.Mutex
	stop    context.CancelFunc
	workers sync.WaitGroup
	dropped atomic.Uint64
}

func New(cfg Config, opts ...Option) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	s := &Service{
		fs:      afero.NewOsFs(),
		console: stdout,
		alerts:  make(chan string, 128),
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender starts alert delivery. Records logged before a sender is set
// are not mirrored.
func (s *Service) SetSender(send SendFunc) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()

	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stop != nil || send == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.deliver(ctx)
	}()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(s.console))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "plantbot.log"
		}
		f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.chatID = 0
	if cfg.Alert.Enabled && cfg.Alert.ChatID != 0 {
		s.chatID = cfg.Alert.ChatID
		s.minLevel = ParseLevel(cfg.Alert.MinLevel, LevelWarn)
		rps := max(1, cfg.Alert.RatePerSec)
		s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		writers = append(writers, alertWriter{s})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.console))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.stopMu.Lock()
	stop := s.stop
	s.stop = nil
	s.stopMu.Unlock()
	if stop != nil {
		stop()
		s.workers.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Dropped is the number of alerts lost to a full queue.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.alerts:
			s.mu.Lock()
			send, chatID := s.send, s.chatID
			s.mu.Unlock()
			if send == nil || chatID == 0 {
				continue
			}
			// Errors here must not log again or a broken chat loops forever.
			_ = send(ctx, chatID, text)
		}
	}
}

type alertWriter struct{ s *Service }

func (w alertWriter) Write(p []byte) (int, error) { return w.WriteLevel(LevelInfo, p) }

func (w alertWriter) WriteLevel(level Level, p []byte) (int, error) {
	s := w.s
	s.mu.Lock()
	ok := s.chatID != 0 && level >= s.minLevel && s.limiter != nil && s.limiter.Allow()
	s.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	select {
	case s.alerts <- formatAlert(p):
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// formatAlert renders a JSON record as "[LEVEL] msg" plus sorted key=value lines.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "level", zerolog.MessageFieldName, zerolog.TimestampFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
