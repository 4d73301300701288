// Package dispatch matches alerts against the subscription registry, applies
// maintenance and mute windows, and delivers to each recipient through a Sink.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"abot/internal/alert"
	"abot/internal/eventbus"
	"abot/internal/metrics"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

// Sink delivers text to one subscriber. It must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, subscriber, text string) error
}

// Formatter renders the message sent for an alert.
type Formatter interface {
	Format(a alert.Alert) string
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeMuted     Outcome = "muted"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is one per-recipient delivery decision.
type Attempt struct {
	AlertID    string         `json:"alert_id"`
	Member     string         `json:"member"`
	Severity   alert.Severity `json:"severity"`
	Subscriber string         `json:"subscriber"`
	Outcome    Outcome        `json:"outcome"`
	// Reason is "maintenance" or "mute" for muted attempts, the last error
	// for failed ones.
	Reason string    `json:"reason,omitempty"`
	Tries  int       `json:"tries,omitempty"`
	At     time.Time `json:"at"`
}

// Report aggregates one dispatch.
type Report struct {
	AlertID   string    `json:"alert_id"`
	Ignored   bool      `json:"ignored,omitempty"`
	Matched   int       `json:"matched"`
	Delivered int       `json:"delivered"`
	Muted     int       `json:"muted"`
	Failed    int       `json:"failed"`
	Attempts  []Attempt `json:"attempts,omitempty"`
}

// Config holds the knobs that may change on config reload.
type Config struct {
	// SendTimeout bounds each Sink.Send call.
	SendTimeout time.Duration
	// Retries is the number of extra attempts after a failed send.
	Retries int
	// RetryBackoff is the initial wait before a retry.
	RetryBackoff time.Duration
	// Concurrency caps parallel sends within one dispatch.
	Concurrency int
	// ServiceAllowlist, when non-empty, drops alerts for other services.
	ServiceAllowlist []string
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// DefaultConfig sends with a 10s timeout and one retry.
func DefaultConfig() Config { return Config{Retries: 1}.withDefaults() }

type Dispatcher struct {
	reg   *subscription.Registry
	scale *alert.Scale
	sink  Sink
	fmt   Formatter
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	stats *Stats

	cfg     atomic.Pointer[Config]
	stopped atomic.Bool
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option      { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(log logx.Logger) Option   { return func(d *Dispatcher) { d.log = log } }
func WithBus(b eventbus.Bus) Option       { return func(d *Dispatcher) { d.bus = b } }
func WithConfig(cfg Config) Option        { return func(d *Dispatcher) { d.Apply(cfg) } }
func WithFormatter(f Formatter) Option    { return func(d *Dispatcher) { d.fmt = f } }
func WithScale(scale *alert.Scale) Option { return func(d *Dispatcher) { d.scale = scale } }

func New(reg *subscription.Registry, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, sink: sink}
	d.Apply(DefaultConfig())
	for _, o := range opts {
		o(d)
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.scale == nil {
		d.scale = alert.DefaultScale()
	}
	if d.fmt == nil {
		d.fmt = plainFormatter{}
	}
	d.stats = newStats(d.clock.Now())
	return d
}

// Apply swaps the runtime knobs. Dispatches in flight keep the old values.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	cfg.ServiceAllowlist = append([]string(nil), cfg.ServiceAllowlist...)
	d.cfg.Store(&cfg)
}

func (d *Dispatcher) Stats() *Stats { return d.stats }

// Stop makes further Dispatch calls fail with ErrStopped.
func (d *Dispatcher) Stop() { d.stopped.Store(true) }

// Reject counts an alert refused by validation. Rejected alerts are not
// counted as received.
func (d *Dispatcher) Reject(source string, err error) {
	d.stats.rejected.Add(1)
	metrics.AlertsRejectedTotal.WithLabelValues(source).Inc()
	d.log.Debug("alert rejected", logx.String("source", source), logx.Err(err))
}

// Dispatch matches a and delivers it to every matching, unmuted subscriber.
// Partial failures are reported, not returned: only a stopped dispatcher or
// a ctx cancelled before or during the sends produce an error.
func (d *Dispatcher) Dispatch(ctx context.Context, a alert.Alert) (Report, error) {
	if d.stopped.Load() {
		return Report{}, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	cfg := *d.cfg.Load()
	rep := Report{AlertID: a.ID}

	d.stats.received.Add(1)
	metrics.AlertsReceivedTotal.WithLabelValues(a.Member, string(a.Severity)).Inc()
	log := d.log.With(logx.String("alert_id", a.ID), logx.String("member", a.Member), logx.String("severity", string(a.Severity)))

	if !serviceAllowed(cfg.ServiceAllowlist, a.ServiceID) {
		rep.Ignored = true
		log.Debug("alert ignored: service not allowed", logx.String("service", a.ServiceID))
		return rep, nil
	}

	subs := d.match(a)
	if len(subs) == 0 {
		log.Debug("alert matched no subscriptions")
		return rep, nil
	}
	d.stats.matched.Add(1)
	metrics.AlertsMatchedTotal.Inc()
	rep.Matched = len(subs)

	// Maintenance and mute windows are evaluated once, at dispatch time.
	now := d.clock.Now()
	_, inMaintenance := d.reg.Maintenance(a.Member)
	text := d.fmt.Format(a)

	attempts := make([]Attempt, len(subs))
	var interrupted atomic.Bool
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, sub := range subs {
		at := Attempt{AlertID: a.ID, Member: a.Member, Severity: a.Severity, Subscriber: sub.Subscriber}
		switch {
		case inMaintenance:
			at.Outcome, at.Reason, at.At = OutcomeMuted, "maintenance", now
			attempts[i] = d.record(at)
			continue
		case subscription.IsMuted(sub, now):
			at.Outcome, at.Reason, at.At = OutcomeMuted, "mute", now
			attempts[i] = d.record(at)
			continue
		}
		g.Go(func() error {
			start := d.clock.Now()
			tries, err := d.deliver(ctx, cfg, sub.Subscriber, text)
			metrics.DeliveryDuration.Observe(d.clock.Since(start).Seconds())
			at.Tries, at.At = tries, d.clock.Now()
			if err != nil {
				if ctx.Err() != nil {
					interrupted.Store(true)
				}
				at.Outcome, at.Reason = OutcomeFailed, err.Error()
				log.Warn("delivery failed", logx.String("subscriber", sub.Subscriber), logx.Int("tries", tries), logx.Err(err))
			} else {
				at.Outcome = OutcomeDelivered
			}
			attempts[i] = d.record(at)
			return nil
		})
	}
	_ = g.Wait()

	rep.Attempts = attempts
	for _, at := range attempts {
		switch at.Outcome {
		case OutcomeDelivered:
			rep.Delivered++
		case OutcomeMuted:
			rep.Muted++
		case OutcomeFailed:
			rep.Failed++
		}
	}
	log.Info("alert dispatched",
		logx.Int("matched", rep.Matched),
		logx.Int("delivered", rep.Delivered),
		logx.Int("muted", rep.Muted),
		logx.Int("failed", rep.Failed),
	)
	if interrupted.Load() {
		return rep, ctx.Err()
	}
	return rep, nil
}

// match collects the subscriptions for a under the scale's policy, at most
// one per subscriber. The exact severity is looked up first so its mute
// window wins over lower-severity subscriptions of the same subscriber.
func (d *Dispatcher) match(a alert.Alert) []subscription.Subscription {
	sevs := d.scale.Matching(a.Severity)
	seen := map[string]struct{}{}
	var out []subscription.Subscription
	for i := len(sevs) - 1; i >= 0; i-- {
		for _, s := range d.reg.Find(a.Member, sevs[i]) {
			if _, dup := seen[s.Subscriber]; dup {
				continue
			}
			seen[s.Subscriber] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// deliver sends once and retries up to cfg.Retries times with exponential
// backoff. Each try gets its own SendTimeout.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, subscriber, text string) (tries int, err error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.RetryBackoff
	exp.MaxInterval = 10 * cfg.RetryBackoff
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.Retries)), ctx)

	err = backoff.Retry(func() error {
		tries++
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return d.sink.Send(sctx, subscriber, text)
	}, b)
	return tries, err
}

// record counts one outcome exactly once and publishes it.
func (d *Dispatcher) record(at Attempt) Attempt {
	switch at.Outcome {
	case OutcomeDelivered:
		d.stats.delivered.Add(1)
	case OutcomeMuted:
		d.stats.muted.Add(1)
	case OutcomeFailed:
		d.stats.failed.Add(1)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(at.Outcome)).Inc()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivery, Time: at.At, Data: at})
	}
	return at
}

func serviceAllowed(allow []string, service string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, s := range allow {
		if strings.EqualFold(strings.TrimSpace(s), service) {
			return true
		}
	}
	return false
}

type plainFormatter struct{}

func (plainFormatter) Format(a alert.Alert) string {
	return "[" + strings.ToUpper(string(a.Severity)) + "] " + a.Member + ": " + a.Message
}
