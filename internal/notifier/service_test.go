package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"abot/internal/eventbus"
	kit "abot/internal/transport"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sent
	fail  error
	calls int
}

func (a *fakeAdapter) setFail(err error) {
	a.mu.Lock()
	a.fail = err
	a.mu.Unlock()
}

func (a *fakeAdapter) attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail != nil {
		return kit.MessageRef{}, a.fail
	}
	s := sent{to: to, text: text}
	if opt != nil {
		s.opt = *opt
	}
	a.sent = append(a.sent, s)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func TestSendParsesTarget(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{}, ad)

	if err := s.Send(context.Background(), "-100123/7", "<b>hi</b>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ad.sent) != 1 {
		t.Fatalf("sent=%d", len(ad.sent))
	}
	got := ad.sent[0]
	if got.to != (kit.ChatTarget{ChatID: -100123, ThreadID: 7}) || got.opt.ParseMode != "HTML" || !got.opt.DisablePreview {
		t.Fatalf("sent=%+v", got)
	}

	if err := s.Send(context.Background(), "not-a-chat", "x"); !errors.Is(err, kit.ErrBadTarget) {
		t.Fatalf("err=%v want ErrBadTarget", err)
	}
}

func TestSendWrapsAdapterError(t *testing.T) {
	boom := errors.New("blocked by user")
	s := New(Config{}, &fakeAdapter{fail: boom})
	if err := s.Send(context.Background(), "5", "x"); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestNoticeDedupWindow(t *testing.T) {
	mock := clock.NewMock()
	ad := &fakeAdapter{}
	s := New(Config{DedupWindow: time.Minute}, ad, WithClock(mock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.deliverNotice(ctx, Notice{Target: "5", Text: "same"})
	}
	s.deliverNotice(ctx, Notice{Target: "6", Text: "same"})
	if ad.count() != 2 {
		t.Fatalf("sent=%d want 2", ad.count())
	}
	mock.Add(time.Minute)
	s.deliverNotice(ctx, Notice{Target: "5", Text: "same"})
	if ad.count() != 3 {
		t.Fatalf("sent=%d want 3 after window", ad.count())
	}
}

func TestNoticeDedupRecordsOnlySuccess(t *testing.T) {
	ad := &fakeAdapter{fail: errors.New("flood wait")}
	s := New(Config{DedupWindow: time.Minute}, ad, WithClock(clock.NewMock()))
	ctx := context.Background()

	s.deliverNotice(ctx, Notice{Target: "5", Text: "digest"})
	ad.setFail(nil)
	s.deliverNotice(ctx, Notice{Target: "5", Text: "digest"})
	if ad.count() != 1 || ad.attempts() != 2 {
		t.Fatalf("sent=%d attempts=%d want 1/2", ad.count(), ad.attempts())
	}
}

func TestSendIgnoresDedupWindow(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{DedupWindow: time.Minute}, ad, WithClock(clock.NewMock()))
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), "5", "same"); err != nil {
			t.Fatal(err)
		}
	}
	if ad.count() != 3 {
		t.Fatalf("sent=%d want 3", ad.count())
	}
}

func TestNotifyWorkers(t *testing.T) {
	ad := &fakeAdapter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Workers: 2}, ad, WithBus(bus))
	if err := s.Notify(context.Background(), Notice{Target: "1", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("notify before start: %v", err)
	}

	s.Start(context.Background())
	for _, tgt := range []string{"1", "2", "bad"} {
		if err := s.Notify(context.Background(), Notice{Target: tgt, Text: "digest"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if ad.count() != 2 {
		t.Fatalf("sent=%d want 2", ad.count())
	}
	var okN, failN int
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			switch ev.Type {
			case TypeNoticeSent:
				okN++
			case TypeNoticeFailed:
				failN++
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events: ok=%d fail=%d", okN, failN)
		}
	}
	if okN != 2 || failN != 1 {
		t.Fatalf("ok=%d fail=%d", okN, failN)
	}
	if err := s.Notify(context.Background(), Notice{Target: "1", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("notify after stop: %v", err)
	}
}
