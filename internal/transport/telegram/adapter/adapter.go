// Package adapter implements the Telegram transport on top of telebot's
// long poller.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "terminbot/internal/runtime/supervisor"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges telebot and the transport-neutral update channel. The
// output channel lives in an atomic.Value because telebot handlers read
// it concurrently with Start/Stop swapping it.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor // poll loop + helpers; rebuilt on each Start

	dropped uint64 // updates lost to a full channel, reported in batches

	menuMu   sync.Mutex
	menuHash uint64
	httpc    httpDoer
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: poll},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{cfg: cfg, log: log, bot: bot, httpc: newMenuClient()}
	// Seed the slot so Load always yields the same dynamic type.
	var none chan<- kit.Update
	a.out.Store(none)
	a.bindTelebot()
	return a, nil
}

// Supervisor exposes the adapter's internal loops for /health. Nil until
// the first Start.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) bindTelebot() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Sender != nil {
			a.forward(messageUpdate(m))
		}
		return nil
	})
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb, m := c.Callback(), c.Message()
		if cb != nil && m != nil && cb.Sender != nil {
			a.forward(callbackUpdate(cb, m))
		}
		return nil
	})
}

func messageUpdate(m *tele.Message) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type != tele.ChatPrivate,
		},
	}
}

func callbackUpdate(cb *tele.Callback, m *tele.Message) kit.Update {
	return kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        cb.ID,
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			FromID:    cb.Sender.ID,
			MessageID: m.ID,
			// telebot prefixes unique-marked callback data with \f.
			Data: strings.TrimPrefix(cb.Data, "\f"),
		},
	}
}

// forward hands an update to the current consumer. A full channel drops
// the update rather than stalling the poll loop.
func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) flushDrops(chanCap int) {
	if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)",
			logx.Uint64("count", n),
			logx.Int("chan_cap", chanCap))
	}
}

// Start wires the output channel and launches the poll loop. Calling it
// again while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// A dying poll loop must not cancel the rest of the app.
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup
	a.runMu.Unlock()

	// Drop counts surface as a batched summary every few seconds instead
	// of one warning per lost update.
	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.flushDrops(cap(out))
				return
			case <-t.C:
				a.flushDrops(cap(out))
			}
		}
	})

	// bot.Start blocks with no context of its own; a watcher translates
	// cancellation into bot.Stop.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's loop can return early in some failure modes, so it runs
	// under restart-with-backoff until the context ends.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

// Stop detaches the consumer and winds the poll loop down. The long-poll
// may be mid-flight, so waiting is bounded by a short grace window and
// the caller's deadline, whichever is tighter.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var none chan<- kit.Update
	a.out.Store(none)
	a.runMu.Unlock()

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.dropped)))
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop() // usually fast; async so a hang cannot block shutdown

	wctx, cancel := context.WithTimeout(ctx, stopGrace(ctx))
	defer cancel()

	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case sup.Context().Err() != nil:
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	default:
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func stopGrace(ctx context.Context) time.Duration {
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	return grace
}
