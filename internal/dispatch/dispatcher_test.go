package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"abot/internal/alert"
	"abot/internal/eventbus"
	"abot/internal/subscription"
)

type fakeSink struct {
	mu    sync.Mutex
	fail  map[string]int // subscriber -> failures before success (-1 = always)
	calls map[string]int
	sent  map[string][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{fail: map[string]int{}, calls: map[string]int{}, sent: map[string][]string{}}
}

func (s *fakeSink) Send(ctx context.Context, subscriber, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[subscriber]++
	if n := s.fail[subscriber]; n != 0 {
		if n > 0 {
			s.fail[subscriber] = n - 1
		}
		return errors.New("room unreachable")
	}
	s.sent[subscriber] = append(s.sent[subscriber], text)
	return nil
}

func (s *fakeSink) sentTo(subscriber string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[subscriber])
}

type fixture struct {
	reg   *subscription.Registry
	clock *clock.Mock
	sink  *fakeSink
	d     *Dispatcher
	scale *alert.Scale
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	scale, err := alert.NewScale([]string{"info", "warning", "critical", "emergency"}, policy)
	if err != nil {
		t.Fatal(err)
	}
	reg := subscription.New(scale, subscription.WithClock(mock))
	sink := newFakeSink()
	d := New(reg, sink,
		WithClock(mock),
		WithScale(scale),
		WithConfig(Config{SendTimeout: time.Second, Retries: 1, RetryBackoff: time.Millisecond, Concurrency: 4}),
	)
	return &fixture{reg: reg, clock: mock, sink: sink, d: d, scale: scale}
}

func (f *fixture) alert(member string, sev alert.Severity) alert.Alert {
	return alert.Alert{ID: fmt.Sprintf("%s-%s-%d", member, sev, f.clock.Now().UnixNano()), Member: member, Severity: sev, Message: "down", ReceivedAt: f.clock.Now()}
}

func TestMuteWindowExample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	if _, _, err := f.reg.Upsert(ctx, "alice", "node7", "Critical", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	f.clock.Add(5 * time.Minute)
	rep, err := f.d.Dispatch(ctx, f.alert("node7", "critical"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Muted != 1 || rep.Delivered != 0 || rep.Attempts[0].Reason != "mute" {
		t.Fatalf("t=5m report=%+v", rep)
	}

	f.clock.Add(6 * time.Minute)
	rep, _ = f.d.Dispatch(ctx, f.alert("node7", "critical"))
	if rep.Delivered != 1 || rep.Muted != 0 {
		t.Fatalf("t=11m report=%+v", rep)
	}
	if f.sink.sentTo("alice") != 1 {
		t.Fatalf("alice received %d messages", f.sink.sentTo("alice"))
	}
}

func TestMaintenanceOverridesMuteWindows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	_, _, _ = f.reg.Upsert(ctx, "alice", "node7", "critical", 0)
	_, _, _ = f.reg.Upsert(ctx, "bob", "node7", "info", time.Hour)
	_, _ = f.reg.SetMaintenance(ctx, "node7", true)

	for _, sev := range f.scale.Levels() {
		rep, err := f.d.Dispatch(ctx, f.alert("node7", sev))
		if err != nil {
			t.Fatal(err)
		}
		if rep.Delivered != 0 || rep.Failed != 0 || rep.Muted != rep.Matched {
			t.Fatalf("severity %s: report=%+v", sev, rep)
		}
		for _, at := range rep.Attempts {
			if at.Reason != "maintenance" {
				t.Fatalf("reason=%q want maintenance", at.Reason)
			}
		}
	}
	if f.sink.sentTo("alice")+f.sink.sentTo("bob") != 0 {
		t.Fatalf("messages sent during maintenance")
	}
}

func TestNoMatchesOnlyCountsReceived(t *testing.T) {
	f := newFixture(t, "")
	rep, err := f.d.Dispatch(context.Background(), f.alert("node9", "info"))
	if err != nil || rep.Matched != 0 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	s := f.d.Stats().Snapshot()
	if s.Received != 1 || s.Matched != 0 || s.Delivered+s.Muted+s.Failed != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestRetryOnceThenFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	_, _, _ = f.reg.Upsert(ctx, "flaky", "node7", "warning", 0)
	_, _, _ = f.reg.Upsert(ctx, "dead", "node7", "warning", 0)
	f.sink.fail["flaky"] = 1
	f.sink.fail["dead"] = -1

	rep, err := f.d.Dispatch(ctx, f.alert("node7", "warning"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Delivered != 1 || rep.Failed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	for _, at := range rep.Attempts {
		if at.Tries != 2 {
			t.Fatalf("%s tries=%d want 2", at.Subscriber, at.Tries)
		}
	}
	if f.sink.calls["dead"] != 2 {
		t.Fatalf("dead called %d times, want 2", f.sink.calls["dead"])
	}
}

func TestStatsPropertyUnderConcurrentDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	const (
		n      = 9 // matching subscriptions
		m      = 3 // muted
		k      = 2 // failing
		rounds = 20
	)
	for i := 0; i < n; i++ {
		sub := fmt.Sprintf("user%d", i)
		mute := time.Duration(0)
		if i < m {
			mute = time.Hour
		}
		if _, _, err := f.reg.Upsert(ctx, sub, "node7", "critical", mute); err != nil {
			t.Fatal(err)
		}
		if i >= m && i < m+k {
			f.sink.fail[sub] = -1
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, rounds)
	for r := 0; r < rounds; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := f.d.Dispatch(ctx, f.alert("node7", "critical"))
			if err != nil {
				errs <- err
				return
			}
			if rep.Delivered != n-m-k || rep.Muted != m || rep.Failed != k {
				errs <- fmt.Errorf("report=%+v", rep)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	s := f.d.Stats().Snapshot()
	want := StatsSnapshot{
		Since:     s.Since,
		Received:  rounds,
		Matched:   rounds,
		Muted:     rounds * m,
		Delivered: rounds * (n - m - k),
		Failed:    rounds * k,
	}
	if s != want {
		t.Fatalf("stats=%+v want %+v", s, want)
	}
}

func TestAtLeastPolicyDedupesPerSubscriber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "at_least")
	_, _, _ = f.reg.Upsert(ctx, "alice", "node7", "info", 0)
	_, _, _ = f.reg.Upsert(ctx, "alice", "node7", "critical", time.Hour)
	_, _, _ = f.reg.Upsert(ctx, "bob", "node7", "warning", 0)
	_, _, _ = f.reg.Upsert(ctx, "carol", "node7", "emergency", 0)

	rep, _ := f.d.Dispatch(ctx, f.alert("node7", "critical"))
	if rep.Matched != 2 {
		t.Fatalf("matched=%d want 2 (alice once, bob)", rep.Matched)
	}
	// alice's exact-severity subscription is muted and takes precedence.
	if rep.Muted != 1 || rep.Delivered != 1 || f.sink.sentTo("bob") != 1 || f.sink.sentTo("carol") != 0 {
		t.Fatalf("report=%+v", rep)
	}

	exact := newFixture(t, "")
	_, _, _ = exact.reg.Upsert(ctx, "alice", "node7", "info", 0)
	if rep, _ := exact.d.Dispatch(ctx, exact.alert("node7", "critical")); rep.Matched != 0 {
		t.Fatalf("exact policy escalated: %+v", rep)
	}
}

func TestServiceAllowlist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.d.Apply(Config{ServiceAllowlist: []string{"kusama-rpc"}, RetryBackoff: time.Millisecond})
	_, _, _ = f.reg.Upsert(ctx, "alice", "node7", "info", 0)

	a := f.alert("node7", "info")
	a.ServiceID = "polkadot-rpc"
	rep, _ := f.d.Dispatch(ctx, a)
	if !rep.Ignored || rep.Matched != 0 {
		t.Fatalf("report=%+v", rep)
	}
	a.ServiceID = "Kusama-RPC"
	if rep, _ := f.d.Dispatch(ctx, a); rep.Delivered != 1 {
		t.Fatalf("allowed service not delivered: %+v", rep)
	}
	if s := f.d.Stats().Snapshot(); s.Received != 2 || s.Matched != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestRejectCountedSeparately(t *testing.T) {
	f := newFixture(t, "")
	f.d.Reject("webhook", errors.New("unknown member"))
	s := f.d.Stats().Snapshot()
	if s.Rejected != 1 || s.Received != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestStoppedAndCancelled(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.d.Dispatch(ctx, f.alert("node7", "info")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want Canceled", err)
	}
	f.d.Stop()
	if _, err := f.d.Dispatch(context.Background(), f.alert("node7", "info")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
	if s := f.d.Stats().Snapshot(); s.Received != 0 {
		t.Fatalf("refused dispatches counted: %+v", s)
	}
}

// cancelAfterSend cancels the dispatch ctx once a send has succeeded, like a
// webhook client hanging up after the fanout finished.
type cancelAfterSend struct {
	*fakeSink
	cancel context.CancelFunc
}

func (s cancelAfterSend) Send(ctx context.Context, subscriber, text string) error {
	err := s.fakeSink.Send(ctx, subscriber, text)
	s.cancel()
	return err
}

func TestCancelAfterSendsIsNotAnError(t *testing.T) {
	f := newFixture(t, "")
	_, _, _ = f.reg.Upsert(context.Background(), "alice", "node7", "info", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(f.reg, cancelAfterSend{fakeSink: f.sink, cancel: cancel}, WithClock(f.clock), WithScale(f.scale))
	rep, err := d.Dispatch(ctx, f.alert("node7", "info"))
	if err != nil || rep.Delivered != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}
}

func TestCancelDuringSendsIsAnError(t *testing.T) {
	f := newFixture(t, "")
	_, _, _ = f.reg.Upsert(context.Background(), "alice", "node7", "info", 0)
	f.sink.fail["alice"] = -1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(f.reg, cancelAfterSend{fakeSink: f.sink, cancel: cancel}, WithClock(f.clock), WithScale(f.scale))
	rep, err := d.Dispatch(ctx, f.alert("node7", "info"))
	if !errors.Is(err, context.Canceled) || rep.Failed != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}
}

func TestAttemptsPublishedOnBus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	f.d = New(f.reg, f.sink, WithClock(f.clock), WithScale(f.scale), WithBus(bus))
	_, _, _ = f.reg.Upsert(ctx, "alice", "node7", "info", 0)

	if _, err := f.d.Dispatch(ctx, f.alert("node7", "info")); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-ch:
		at, ok := e.Data.(Attempt)
		if e.Type != eventbus.TypeDelivery || !ok || at.Subscriber != "alice" || at.Outcome != OutcomeDelivered {
			t.Fatalf("event=%+v", e)
		}
	default:
		t.Fatalf("no delivery event published")
	}
}
