// Package subscription is the subscription registry: the durable set of
// (subscriber, member, severity) triples, their mute windows and the
// member-wide maintenance overrides.
//
// Readers (Find, List, Maintenance) share an RWMutex read lock. Writers are
// serialized by a separate write lock that also covers persistence, so saves
// happen in mutation order without holding the read lock during I/O.
package subscription

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"abot/internal/alert"
	"abot/internal/eventbus"
	logx "abot/pkg/logx"
)

var (
	ErrEmptySubscriber = errors.New("subscriber is required")
	ErrEmptyMember     = errors.New("member is required")
	ErrNegativeMute    = errors.New("mute interval must be >= 0")
	ErrUnknownSeverity = errors.New("unknown severity")
)

type target struct {
	member   string
	severity alert.Severity
}

type Registry struct {
	scale   *alert.Scale
	clock   clock.Clock
	persist Persister
	log     logx.Logger
	bus     eventbus.Bus

	// writeMu serializes mutations together with their save.
	writeMu sync.Mutex

	mu       sync.RWMutex
	subs     map[Key]Subscription
	byTarget map[target]map[string]struct{}
	maint    map[string]MaintenanceState

	healthMu sync.Mutex
	health   Health
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithPersister makes every mutation save the full state through p.
func WithPersister(p Persister) Option { return func(r *Registry) { r.persist = p } }

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

// WithBus publishes maintenance changes as eventbus.TypeMaintenance events.
func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

func New(scale *alert.Scale, opts ...Option) *Registry {
	if scale == nil {
		scale = alert.DefaultScale()
	}
	r := &Registry{
		scale:    scale,
		subs:     map[Key]Subscription{},
		byTarget: map[target]map[string]struct{}{},
		maint:    map[string]MaintenanceState{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Restore replaces the registry content with st. It is meant for startup,
// before the registry is shared, and does not persist.
func (r *Registry) Restore(st State) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[Key]Subscription, len(st.Subscriptions))
	r.byTarget = map[target]map[string]struct{}{}
	r.maint = make(map[string]MaintenanceState, len(st.Maintenance))

	skipped := 0
	for _, s := range st.Subscriptions {
		sev, ok := r.scale.Parse(string(s.Severity))
		if !ok || strings.TrimSpace(s.Subscriber) == "" || strings.TrimSpace(s.Member) == "" {
			skipped++
			continue
		}
		s.Severity = sev
		r.putLocked(s)
	}
	for _, m := range st.Maintenance {
		if strings.TrimSpace(m.Member) == "" {
			continue
		}
		r.maint[m.Member] = m
	}
	if skipped > 0 {
		r.log.Warn("restored state had invalid subscriptions", logx.Int("skipped", skipped))
	}
	r.log.Info("registry restored", logx.Int("subscriptions", len(r.subs)), logx.Int("maintenance", len(r.maint)))
}

func (r *Registry) putLocked(s Subscription) {
	k := s.Key()
	r.subs[k] = s
	t := target{member: s.Member, severity: s.Severity}
	set := r.byTarget[t]
	if set == nil {
		set = map[string]struct{}{}
		r.byTarget[t] = set
	}
	set[s.Subscriber] = struct{}{}
}

func (r *Registry) deleteLocked(k Key) bool {
	if _, ok := r.subs[k]; !ok {
		return false
	}
	delete(r.subs, k)
	t := target{member: k.Member, severity: k.Severity}
	if set := r.byTarget[t]; set != nil {
		delete(set, k.Subscriber)
		if len(set) == 0 {
			delete(r.byTarget, t)
		}
	}
	return true
}

// Upsert creates or refreshes the subscription for the triple. A positive
// mute sets MuteUntil to now+mute; zero clears any mute window. CreatedAt
// survives re-upserts. created reports whether the triple was new.
//
// A *PersistenceError means the change is applied in memory only.
func (r *Registry) Upsert(ctx context.Context, subscriber, member string, sev alert.Severity, mute time.Duration) (sub Subscription, created bool, err error) {
	subscriber = strings.TrimSpace(subscriber)
	member = strings.TrimSpace(member)
	switch {
	case subscriber == "":
		return Subscription{}, false, ErrEmptySubscriber
	case member == "":
		return Subscription{}, false, ErrEmptyMember
	case mute < 0:
		return Subscription{}, false, ErrNegativeMute
	}
	sev, ok := r.scale.Parse(string(sev))
	if !ok {
		return Subscription{}, false, ErrUnknownSeverity
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.clock.Now()
	k := Key{Subscriber: subscriber, Member: member, Severity: sev}

	r.mu.Lock()
	prev, exists := r.subs[k]
	sub = Subscription{
		Subscriber:   subscriber,
		Member:       member,
		Severity:     sev,
		MuteInterval: mute,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if exists {
		sub.CreatedAt = prev.CreatedAt
	}
	if mute > 0 {
		sub.MuteUntil = now.Add(mute)
	}
	r.putLocked(sub)
	st := r.stateLocked()
	r.mu.Unlock()

	return sub, !exists, r.save(ctx, "upsert", st)
}

// Remove deletes the triple. removed is false when it did not exist; that
// case is not an error and does not touch storage.
func (r *Registry) Remove(ctx context.Context, subscriber, member string, sev alert.Severity) (removed bool, err error) {
	sev, ok := r.scale.Parse(string(sev))
	if !ok {
		return false, nil
	}
	k := Key{Subscriber: strings.TrimSpace(subscriber), Member: strings.TrimSpace(member), Severity: sev}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if !r.deleteLocked(k) {
		r.mu.Unlock()
		return false, nil
	}
	st := r.stateLocked()
	r.mu.Unlock()

	return true, r.save(ctx, "remove", st)
}

// RemoveMatching deletes every subscription of subscriber for member, or for
// all members when member is empty. It returns the removed subscriptions.
func (r *Registry) RemoveMatching(ctx context.Context, subscriber, member string) ([]Subscription, error) {
	subscriber = strings.TrimSpace(subscriber)
	member = strings.TrimSpace(member)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	var removed []Subscription
	for k, s := range r.subs {
		if k.Subscriber != subscriber || (member != "" && k.Member != member) {
			continue
		}
		removed = append(removed, s)
	}
	if len(removed) == 0 {
		r.mu.Unlock()
		return nil, nil
	}
	for _, s := range removed {
		r.deleteLocked(s.Key())
	}
	st := r.stateLocked()
	r.mu.Unlock()

	r.sortSubs(removed)
	return removed, r.save(ctx, "remove", st)
}

// SetMaintenance switches the member-wide override. changed is false when the
// member was already in the requested mode.
func (r *Registry) SetMaintenance(ctx context.Context, member string, on bool) (changed bool, err error) {
	member = strings.TrimSpace(member)
	if member == "" {
		return false, ErrEmptyMember
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	_, cur := r.maint[member]
	if cur == on {
		r.mu.Unlock()
		return false, nil
	}
	ms := MaintenanceState{Member: member}
	if on {
		ms.Since = r.clock.Now()
		r.maint[member] = ms
	} else {
		delete(r.maint, member)
	}
	st := r.stateLocked()
	r.mu.Unlock()

	r.log.Info("maintenance mode changed", logx.String("member", member), logx.Bool("on", on))
	if r.bus != nil {
		// Since is zero when maintenance ended.
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenance, Time: r.clock.Now(), Data: ms})
	}
	return true, r.save(ctx, "maintenance", st)
}

// Maintenance reports whether member is in maintenance and since when.
func (r *Registry) Maintenance(member string) (MaintenanceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maint[strings.TrimSpace(member)]
	return m, ok
}

// Find returns copies of the subscriptions for exactly (member, sev).
func (r *Registry) Find(member string, sev alert.Severity) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byTarget[target{member: member, severity: sev}]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscription, 0, len(set))
	for subscriber := range set {
		out = append(out, r.subs[Key{Subscriber: subscriber, Member: member, Severity: sev}])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscriber < out[j].Subscriber })
	return out
}

// List returns the subscriptions of subscriber ordered by member, then
// severity rank.
func (r *Registry) List(subscriber string) []Subscription {
	subscriber = strings.TrimSpace(subscriber)
	r.mu.RLock()
	var out []Subscription
	for k, s := range r.subs {
		if k.Subscriber == subscriber {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	r.sortSubs(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns the current durable state.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stateLocked()
}

func (r *Registry) stateLocked() State {
	st := State{
		Subscriptions: make([]Subscription, 0, len(r.subs)),
		Maintenance:   make([]MaintenanceState, 0, len(r.maint)),
	}
	for _, s := range r.subs {
		st.Subscriptions = append(st.Subscriptions, s)
	}
	for _, m := range r.maint {
		st.Maintenance = append(st.Maintenance, m)
	}
	sort.Slice(st.Subscriptions, func(i, j int) bool {
		a, b := st.Subscriptions[i], st.Subscriptions[j]
		if a.Subscriber != b.Subscriber {
			return a.Subscriber < b.Subscriber
		}
		if a.Member != b.Member {
			return a.Member < b.Member
		}
		return r.scale.Rank(a.Severity) < r.scale.Rank(b.Severity)
	})
	sort.Slice(st.Maintenance, func(i, j int) bool { return st.Maintenance[i].Member < st.Maintenance[j].Member })
	return st
}

func (r *Registry) sortSubs(s []Subscription) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Member != s[j].Member {
			return s[i].Member < s[j].Member
		}
		return r.scale.Rank(s[i].Severity) < r.scale.Rank(s[j].Severity)
	})
}

// Health reports whether the last save failed.
func (r *Registry) Health() Health {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return r.health
}

// Flush saves the current state if the registry is degraded. It is a no-op
// when the last save succeeded or no persister is configured.
func (r *Registry) Flush(ctx context.Context) error {
	if r.persist == nil || !r.Health().Degraded {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.save(ctx, "flush", r.Snapshot())
}

// save must be called with writeMu held.
func (r *Registry) save(ctx context.Context, op string, st State) error {
	if r.persist == nil {
		return nil
	}
	err := r.persist.SaveState(ctx, st)
	now := r.clock.Now()

	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if err != nil {
		if !r.health.Degraded {
			r.health.Since = now
			r.log.Error("registry persistence failed; running in-memory", logx.String("op", op), logx.Err(err))
		}
		r.health.Degraded = true
		r.health.LastError = err.Error()
		return &PersistenceError{Op: op, Err: err}
	}
	if r.health.Degraded {
		r.log.Info("registry persistence recovered", logx.String("op", op), logx.Duration("degraded_for", now.Sub(r.health.Since)))
	}
	r.health = Health{LastSave: now}
	return nil
}
