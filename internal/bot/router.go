package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"terminbot/internal/runtime/supervisor"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
)

// Router matches incoming updates to commands, callbacks and booking
// input, and runs handlers on a bounded worker pool.
type Router struct {
	mu        sync.RWMutex
	reg       *registry
	callbacks map[string]map[string]CallbackRoute
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, serv *Services, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		reg:       newRegistry(),
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log,
		adapter:   adapter,
		serv:      serv,
		jobs:      make(chan func(), 256),
	}
}

// Supervisor returns the dispatch pool's supervisor (nil if not running).
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// SetOwners swaps the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.mu.RUnlock()
	return cp
}

// SetRegistry installs the command and callback tables. When no "help"
// route is registered a fallback listing is injected so /help always
// answers.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	reg := newRegistry()
	for _, c := range cmds {
		reg.add(c)
	}
	if reg.lookup("help") == nil {
		reg.add(Command{
			Route:       "help",
			Description: "show available commands",
			Usage:       "/help [command]",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(req.Args),
					&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
				return err
			},
		})
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, route := range cbs {
		scope := strings.TrimSpace(route.Scope)
		action := strings.TrimSpace(route.Action)
		if scope == "" || action == "" || route.Handle == nil {
			continue
		}
		if cb[scope] == nil {
			cb[scope] = map[string]CallbackRoute{}
		}
		cb[scope][action] = route
	}

	r.mu.Lock()
	r.reg = reg
	r.callbacks = cb
	r.mu.Unlock()

	// Best-effort Telegram menu autocomplete update, off the caller's
	// goroutine.
	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(reg)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				r.log.Debug("menu command update failed", logx.Err(err))
			}
		}()
	}
}

func (r *Router) registrySnapshot() *registry {
	r.mu.RLock()
	reg := r.reg
	r.mu.RUnlock()
	return reg
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel
// being closed during shutdown).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// runJob shields a worker from a panicking job. Handler panics are
// already recovered inside the instrument chain; this catches everything
// around it.
func (r *Router) runJob(idx int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in dispatch job",
				logx.Int("worker", idx),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
// Handlers run on a pool of supervised workers.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "bot.router"))),
		supervisor.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)

	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "bot.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job != nil {
						r.runJob(idx, job)
					}
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(root, up)
	case kit.UpdateCallback:
		r.routeCallback(root, up)
	}
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		r.routeText(root, up, text)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	cmd := r.registrySnapshot().lookup(word)
	if cmd == nil {
		// Stay quiet in groups; unknown commands there are usually
		// meant for some other bot.
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
				"Unknown command. Try /help.", nil)
		}
		return
	}
	r.enqueueCommand(root, up, *cmd, args)
}

// routeText bridges plain text into an active booking conversation.
// Text outside a session is ignored.
func (r *Router) routeText(root context.Context, up kit.Update, text string) {
	msg := up.Message
	if msg.IsGroup || r.serv == nil || r.serv.Booking == nil {
		return
	}
	if !r.serv.Booking.Active(msg.FromID) {
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		msg.FromID, msg.FromUsername, "text:booking", nil, "")

	final := r.instrument(func(ctx context.Context, rq *Request) error {
		reply, handled := rq.Services.Booking.Input(ctx, rq.FromID, text)
		if !handled {
			return nil
		}
		_, err := reply.Send(ctx, rq.Adapter, rq.Chat)
		return err
	}, 30*time.Second)
	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		r.log.Warn("dispatch queue full, booking input dropped", logx.Int64("from_id", msg.FromID))
	}
}

func (r *Router) enqueueCommand(root context.Context, up kit.Update, cmd Command, args []string) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	owners := r.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = r.adapter.SendText(root, chat, "This command is restricted to the bot owner.", nil)
		return
	}

	req := r.newRequest(up, chat, msg.FromID, msg.FromUsername, cmd.Route, args, "")
	final := r.instrument(cmd.Handle, cmd.Timeout)

	job := func() {
		// Any command except /cancel tears down an in-progress booking
		// before it runs, mirroring how the conversation keyboard works.
		if cmd.Route != "cancel" && r.serv != nil && r.serv.Booking != nil {
			if r.serv.Booking.Interrupt(root, req.FromID) {
				_, _ = r.adapter.SendText(root, chat, "❌ Booking cancelled.", nil)
			}
		}
		_ = final(root, req)
	}
	if !r.tryEnqueue(job) {
		_, _ = r.adapter.SendText(root, chat, "Busy, please try again.", nil)
	}
}

func (r *Router) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	data := strings.TrimSpace(cb.Data)
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.mu.RLock()
	route, ok := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok {
		// Buttons can outlive a registry swap; acknowledge so the
		// client stops its spinner.
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	owners := r.ownersSnapshot()
	if route.Access == CallbackAccessOwnerOnly && !isOwner(cb.FromID, owners) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		cb.FromID, "", "cb:"+scope+":"+action, nil, payload)

	final := r.instrument(func(ctx context.Context, rq *Request) error {
		return route.Handle(ctx, rq, payload)
	}, route.Timeout)

	if !r.tryEnqueue(func() {
		_ = final(root, req)
		// Best-effort: stop the client's loading spinner.
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, fromUsername, command string, args []string, payload string) *Request {
	rid := newReqID()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", chat.ChatID),
		logx.Int64("from_id", fromID),
		logx.String("cmd", command),
	)
	return &Request{
		Update:       up,
		Chat:         chat,
		FromID:       fromID,
		FromUsername: fromUsername,
		Command:      command,
		Args:         args,
		Payload:      payload,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger:       reqLog,
		Services:     r.serv,
		Owners:       r.ownersSnapshot(),
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, uid := range owners {
		if uid == id {
			return true
		}
	}
	return false
}

var ridCounter atomic.Uint64

// newReqID returns a short id correlating one update's log lines, e.g.
// "1kx2m9qe-2f". Uniqueness only needs to hold within one process run,
// so a microsecond stamp plus a counter is enough.
func newReqID() string {
	seq := ridCounter.Add(1)
	return strconv.FormatInt(time.Now().UnixNano()>>10, 36) + "-" + strconv.FormatUint(seq, 36)
}
