// Package schedule runs periodic maintenance jobs (persistence retry flush,
// stats digest) on a cron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "abot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name; empty means local time.
	Timezone string
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Service owns one cron. Jobs never overlap with themselves and a panicking
// job is logged, not fatal.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   []jobDef

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "schedule")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. spec is a cron expression or descriptor such as
// "@every 1m". Jobs added after Start are scheduled immediately.
func (s *Service) Add(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("%s: empty schedule", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%s: bad schedule %q: %w", name, spec, err)
	}
	if run == nil {
		return errors.New(name + ": nil job")
	}
	d := jobDef{name: name, spec: spec, timeout: timeout, run: run}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule timezone: %w", err)
		}
		loc = l
	}
	cl := cronLogger{log: s.log}
	s.ctx = ctx
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)), logx.String("tz", loc.String()))
	return nil
}

// Stop waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) addLocked(d jobDef) error {
	ctx := s.ctx
	_, err := s.c.AddFunc(d.spec, func() { s.runJob(ctx, d) })
	return err
}

// RunNow executes a registered job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *jobDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.runJob(ctx, *def)
}

func (s *Service) runJob(ctx context.Context, d jobDef) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.run(ctx)
	item := HistoryItem{Name: d.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", d.name), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", item.Duration))
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
	return err
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
