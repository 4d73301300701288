// Package discard is a transport.Adapter that logs outgoing text and never
// receives updates. It backs dry runs and deployments without a chat token.
package discard

import (
	"context"
	"sync/atomic"

	kit "abot/internal/transport"
	logx "abot/pkg/logx"
)

type Adapter struct {
	log logx.Logger
	seq atomic.Int64
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log.With(logx.String("comp", "discard"))}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.log.Info("discard transport started; no updates will be received")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	id := a.seq.Add(1)
	a.log.Info("send", logx.String("target", to.String()), logx.Int("len", len(text)))
	a.log.Debug("send text", logx.String("target", to.String()), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(id)}, nil
}
