// Package bot connects the chat transport to the command handler: incoming
// room messages are handed to a bounded worker pool and replies are sent
// back into the room they came from.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"abot/internal/command"
	kit "abot/internal/transport"
	logx "abot/pkg/logx"
)

// CommandHandler is satisfied by *command.Handler.
type CommandHandler interface {
	Handle(ctx context.Context, scope command.Scope, text string) (reply string, handled bool)
}

type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds one command including its reply.
	Timeout time.Duration
}

const busyReply = "⏳ Busy, please try again in a moment."

type Router struct {
	cfg     Config
	adapter kit.Adapter
	handler CommandHandler
	log     logx.Logger

	jobs chan *Request
}

func New(cfg Config, adapter kit.Adapter, h CommandHandler, log logx.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:     cfg,
		adapter: adapter,
		handler: h,
		log:     log.With(logx.String("comp", "bot")),
		jobs:    make(chan *Request, cfg.QueueSize),
	}
}

// ScopeOf describes where msg was posted. The sender identity is the
// sender's private room, which for chat user ids is the user id itself.
func ScopeOf(msg *kit.Message) command.Scope {
	return command.Scope{
		Sender:  strconv.FormatInt(msg.FromID, 10),
		Room:    msg.Target().String(),
		Private: !msg.IsGroup,
	}
}

// Run consumes updates until ctx is done or updates is closed, then waits
// for in-flight commands.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	final := Chain(r.handle, MWPanicRecover(), MWRequestLog(), MWTimeout(r.cfg.Timeout))

	var wg sync.WaitGroup
	wg.Add(r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in bot worker", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
				}
			}()
			for req := range r.jobs {
				_ = final(ctx, req)
			}
		}()
	}
	r.log.Info("bot router started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("bot router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	if !strings.HasPrefix(strings.TrimSpace(msg.Text), "!") {
		return
	}
	rid := uuid.NewString()[:8]
	req := &Request{
		ID:      rid,
		Message: msg,
		Scope:   ScopeOf(msg),
		Log: r.log.With(
			logx.String("rid", rid),
			logx.String("room", msg.Target().String()),
			logx.Int64("from_id", msg.FromID),
		),
	}
	select {
	case r.jobs <- req:
	default:
		req.Log.Warn("command queue full; rejecting")
		r.reply(ctx, msg.Target(), busyReply)
	}
}

func (r *Router) handle(ctx context.Context, req *Request) error {
	reply, handled := r.handler.Handle(ctx, req.Scope, req.Message.Text)
	if !handled || reply == "" {
		return nil
	}
	if err := r.reply(ctx, req.Message.Target(), reply); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) error {
	if ctx.Err() != nil {
		// the reply still goes out during shutdown
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	_, err := r.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("reply failed", logx.String("room", to.String()), logx.Err(err))
	}
	return err
}
