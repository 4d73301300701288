package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	logx "abot/pkg/logx"
)

// NATSConfig configures the NATS alert source. An empty URL disables it.
type NATSConfig struct {
	URL     string
	Subject string
	// Queue, when set, load-balances alerts across bot instances.
	Queue string
	Name  string
	// Timeout bounds one dispatch triggered by a message.
	Timeout time.Duration
}

// reply is sent back when the publisher used request/reply.
type reply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	AlertID   string `json:"alert_id,omitempty"`
	Matched   int    `json:"matched"`
	Delivered int    `json:"delivered"`
	Muted     int    `json:"muted"`
	Failed    int    `json:"failed"`
}

// Subscriber feeds NATS messages into a Processor.
type Subscriber struct {
	cfg  NATSConfig
	proc *Processor
	log  logx.Logger
}

func NewSubscriber(cfg NATSConfig, proc *Processor, log logx.Logger) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = "abot.alerts"
	}
	if cfg.Name == "" {
		cfg.Name = "abot"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Subscriber{cfg: cfg, proc: proc, log: log.With(logx.String("comp", "nats"), logx.String("subject", cfg.Subject))}
}

// Run connects and consumes until ctx is done. The client reconnects on its
// own; Run returns an error only when the connection is closed for good so
// the supervisor can restart it.
func (s *Subscriber) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.URL) == "" {
		return errors.New("nats url is empty")
	}
	closed := make(chan struct{})
	nc, err := nats.Connect(
		s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn("nats disconnected", logx.Err(err))
				return
			}
			s.log.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			s.log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Close()

	handler := func(msg *nats.Msg) { s.handle(ctx, msg) }
	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, handler)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		return err
	}
	s.log.Info("nats subscribed", logx.String("queue", s.cfg.Queue))

	select {
	case <-ctx.Done():
		// Drain lets in-flight handlers finish before the connection closes.
		if err := sub.Drain(); err != nil {
			s.log.Debug("nats drain failed", logx.Err(err))
		}
		return nil
	case <-closed:
		return errors.New("nats connection closed")
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rep, err := s.proc.Process(cctx, SourceNATS, msg.Data)
	out := reply{
		OK:        err == nil,
		AlertID:   rep.AlertID,
		Matched:   rep.Matched,
		Delivered: rep.Delivered,
		Muted:     rep.Muted,
		Failed:    rep.Failed,
	}
	if err != nil {
		out.Error = err.Error()
		if IsRejection(err) {
			s.log.Warn("alert rejected", logx.Err(err))
		} else {
			s.log.Error("alert dispatch failed", logx.Err(err))
		}
	}
	if msg.Reply == "" {
		return
	}
	b, _ := json.Marshal(out)
	if err := msg.Respond(b); err != nil {
		s.log.Debug("nats respond failed", logx.Err(err))
	}
}
