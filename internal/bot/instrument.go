package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "terminbot/pkg/logx"
)

// HandlerFunc is the signature shared by command handlers and the
// booking text bridge.
type HandlerFunc func(ctx context.Context, req *Request) error

// slowRequestAfter is where successful requests graduate from DEBUG to
// INFO in the request log.
const slowRequestAfter = 750 * time.Millisecond

// instrument wraps a handler for dispatch: panic recovery around
// everything, an outcome log line when the handler returns, and the
// per-command deadline on the handler's context. A panicking handler
// produces the recovery entry only, since it never returned an outcome.
func (r *Router) instrument(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		log := r.log
		if req != nil && !req.Logger.IsZero() {
			log = req.Logger
		}
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", rec)
			}
		}()

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		err = h(ctx, req)
		logOutcome(log, req, time.Since(start), err)
		return err
	}
}

func logOutcome(log logx.Logger, req *Request, d time.Duration, err error) {
	fields := []logx.Field{
		logx.String("kind", string(req.Update.Kind)),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
		logx.Duration("dur", d),
	}
	switch {
	case err != nil:
		log.Warn("request failed", append(fields, logx.Err(err))...)
	case d >= slowRequestAfter:
		log.Info("request ok", fields...)
	default:
		log.Debug("request ok", fields...)
	}
}
