package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"abot/internal/eventbus"
	rtsup "abot/internal/runtime/supervisor"
	kit "abot/internal/transport"
	logx "abot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Event types published for async notices.
const (
	TypeNoticeSent   = "notifier.sent"
	TypeNoticeFailed = "notifier.failed"
)

// Service sends text to chat rooms with a shared rate limit.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	clock   clock.Clock

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Notice
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option    { return func(s *Service) { s.bus = b } }
func WithClock(c clock.Clock) Option   { return func(s *Service) { s.clock = c } }
func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func New(cfg Config, adapter kit.Adapter, opts ...Option) *Service {
	s := &Service{
		adapter: adapter,
		clock:   clock.New(),
		dedup:   map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "notifier"))
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "HTML"
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short fanouts don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers text to one subscriber. It implements dispatch.Sink, so a nil
// error always means the adapter accepted the message; the dedup window does
// not apply here.
func (s *Service) Send(ctx context.Context, subscriber, text string) error {
	to, err := kit.ParseTarget(subscriber)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return errors.New("notifier has no adapter")
	}

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	if _, err := ad.SendText(ctx, to, text, &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true}); err != nil {
		return fmt.Errorf("send to %s: %w", subscriber, err)
	}
	return nil
}

// Start launches the notice workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Notice, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notice failures should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues an operator notice. It never blocks on the network.
func (s *Service) Notify(ctx context.Context, n Notice) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.deliverNotice(ctx, n)
		}
	}
}

func (s *Service) deliverNotice(ctx context.Context, n Notice) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	key := dedupKey(n.Target, n.Text)
	if cfg.DedupWindow > 0 && s.dedupSeen(key) {
		s.log.Debug("duplicate notice suppressed", logx.String("target", n.Target))
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := s.Send(cctx, n.Target, n.Text)
	cancel()
	if err == nil && cfg.DedupWindow > 0 {
		s.dedupRecord(key, cfg.DedupWindow, cfg.DedupMaxEntries)
	}

	ev := NotificationEvent{Target: n.Target, At: s.clock.Now()}
	typ := TypeNoticeSent
	if err != nil {
		typ = TypeNoticeFailed
		ev.Error = err.Error()
		s.log.Warn("notice send failed", logx.String("target", n.Target), logx.Err(err))
	}
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus != nil {
		bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

func dedupKey(target, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(target))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupSeen reports whether key was sent within its window.
func (s *Service) dedupSeen(key string) bool {
	now := s.clock.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	return ok && now.Before(until)
}

// dedupRecord marks key as sent. Only successful sends are recorded.
func (s *Service) dedupRecord(key string, window time.Duration, maxEntries int) {
	now := s.clock.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
}
