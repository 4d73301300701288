package storage

import (
	"context"
	"errors"
	"time"

	"abot/internal/dispatch"
	"abot/internal/eventbus"
	logx "abot/pkg/logx"
)

// Journal copies delivery events from the bus into the store. Events are
// dropped by the bus when the journal falls behind; dispatch never waits on
// storage.
type Journal struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	// Timeout bounds a single AppendDelivery call.
	Timeout time.Duration
}

func NewJournal(store Store, bus eventbus.Bus, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Journal{store: store, bus: bus, log: log.With(logx.String("comp", "journal")), Timeout: 5 * time.Second}
}

// Run consumes events until ctx is done.
func (j *Journal) Run(ctx context.Context) error {
	if j.store == nil || j.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := j.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeDelivery {
				continue
			}
			at, ok := ev.Data.(dispatch.Attempt)
			if !ok {
				continue
			}
			j.append(ctx, at)
		}
	}
}

func (j *Journal) append(ctx context.Context, at dispatch.Attempt) {
	cctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()
	err := j.store.AppendDelivery(cctx, at)
	switch {
	case err == nil, errors.Is(err, ErrDisabled):
	default:
		j.log.Warn("delivery journal append failed",
			logx.String("alert_id", at.AlertID),
			logx.String("subscriber", at.Subscriber),
			logx.Err(err),
		)
	}
}
