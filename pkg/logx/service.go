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
	"golang.org/x/time/rate"

	kit "terminbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards log lines at or above MinLevel to the operator
// chat, rate limited so an error storm cannot flood Telegram.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the log sinks and hot-swaps them on config reload.
// Loggers handed out via New stay live across Apply calls.
type Service struct {
	mu  sync.Mutex
	cfg Config

	live atomic.Value // zerolog.Logger

	logFile *os.File

	// operator chat forwarding
	sender     kit.Adapter
	chatQueue  chan chatItem
	chatOnce   sync.Once
	chatCancel context.CancelFunc
	chatWG     sync.WaitGroup

	// guarded by mu
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel Level
}

type chatItem struct {
	to  kit.ChatTarget
	msg string
}

// New creates the logging service, applies cfg immediately, and returns
// the Service together with a root Logger bound to it.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	setupZerolog()

	s := &Service{
		cfg:       cfg,
		sender:    sender,
		chatQueue: make(chan chatItem, 256),
		threadID:  cfg.Telegram.ThreadID,
	}
	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) activeRoot() zerolog.Logger {
	if zl, ok := s.live.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// SetOperatorChat points the chat sink at the operator chat. Called by
// the app once the admin chat id is known from config.
func (s *Service) SetOperatorChat(chatID int64, threadID int) {
	s.mu.Lock()
	s.chatID = chatID
	if threadID != 0 {
		s.threadID = threadID
	}
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.logFile
	s.logFile = nil
	cancel := s.chatCancel
	s.chatCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.chatWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply rebuilds the sinks from cfg. Safe to call at any time; loggers
// handed out earlier pick up the new outputs on their next write.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.applyChatGate(cfg.Telegram)

	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}

	sinks := s.openSinks(cfg)
	root := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.live.Store(root)
}

func (s *Service) applyChatGate(tc TelegramConfig) {
	s.minLevel = parseLevel(tc.MinLevel, LevelWarn)
	rps := max(1, tc.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if tc.ThreadID != 0 {
		s.threadID = tc.ThreadID
	}
}

// openSinks assembles the writer list for cfg; the caller holds mu.
func (s *Service) openSinks(cfg Config) []io.Writer {
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink())
	}
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: log file unavailable: %v\n", err)
		} else {
			s.logFile = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.startChatWorker()
		sinks = append(sinks, &chatWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram log sink enabled but no admin chat is configured yet")
		}
	}
	if len(sinks) == 0 {
		// A config with nothing enabled still logs somewhere.
		sinks = append(sinks, consoleSink())
	}
	return sinks
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./terminbot.log"
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func consoleSink() io.Writer {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	// The caller field already arrives as short file:line.
	cw.FormatCaller = func(v any) string {
		c, _ := v.(string)
		return c
	}
	return cw
}

func (s *Service) startChatWorker() {
	if s.sender == nil {
		return
	}
	s.chatOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.chatCancel = cancel
		s.chatWG.Add(1)
		go func() {
			defer s.chatWG.Done()
			s.chatWorker(ctx)
		}()
	})
}

func (s *Service) chatWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.chatQueue:
			_, _ = s.sender.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (s *Service) enqueueChatLine(to kit.ChatTarget, msg string) {
	// Drop instead of blocking; losing a forwarded line is better than
	// stalling whoever is logging.
	select {
	case s.chatQueue <- chatItem{to: to, msg: msg}:
	default:
	}
}

// chatWriter is the zerolog sink that feeds the operator chat. Keeping
// it a separate type lets Apply install it like any other writer.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel on level writers; plain Write only shows
	// up for lines without a level.
	return w.WriteLevel(LevelInfo, p)
}

func (w *chatWriter) WriteLevel(level Level, p []byte) (int, error) {
	// Delivery is best effort; every path reports the line as written.
	n := len(p)
	s := w.svc
	if s == nil || s.sender == nil {
		return n, nil
	}

	to, lim, floor := s.chatGate()
	if to.ChatID == 0 || lim == nil || level < floor || !lim.Allow() {
		return n, nil
	}

	if msg := renderChatLine(p); msg != "" {
		s.enqueueChatLine(to, msg)
	}
	return n, nil
}

func (s *Service) chatGate() (kit.ChatTarget, *rate.Limiter, Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kit.ChatTarget{ChatID: s.chatID, ThreadID: s.threadID}, s.limiter, s.minLevel
}

// renderChatLine turns one zerolog JSON line into a compact plain-text
// message: "[LEVEL] message" followed by one "- key=value" per field,
// keys sorted. Non-JSON input is forwarded as-is.
func renderChatLine(p []byte) string {
	const lineCap = 3500

	raw := strings.TrimSpace(string(p))
	var ev map[string]any
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return truncate(raw, lineCap)
	}

	var b strings.Builder
	if lvl, _ := ev["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	if msg, _ := ev["message"].(string); msg != "" {
		b.WriteString(msg)
	} else if msg, _ := ev["msg"].(string); msg != "" {
		b.WriteString(msg)
	}

	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case "time", "level", "message", "msg":
			// Already rendered or noise.
		case "stack":
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(fmt.Sprint(ev[k]), 900))
		default:
			fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(ev[k]), 600))
		}
	}
	return truncate(b.String(), lineCap)
}

func truncate(s string, limit int) string {
	switch {
	case limit <= 0 || len(s) <= limit:
		return s
	case limit < 4:
		return s[:limit]
	default:
		return s[:limit-3] + "..."
	}
}
