package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"abot/internal/command"
	kit "abot/internal/transport"
	logx "abot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }
func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sent{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) snapshot() []sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sent(nil), a.sent...)
}

type handlerFunc func(ctx context.Context, scope command.Scope, text string) (string, bool)

func (f handlerFunc) Handle(ctx context.Context, scope command.Scope, text string) (string, bool) {
	return f(ctx, scope, text)
}

func msg(chat int64, thread int, from int64, group bool, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chat, ThreadID: thread, FromID: from, IsGroup: group, Text: text,
	}}
}

func TestScopeOf(t *testing.T) {
	cases := []struct {
		m    *kit.Message
		want command.Scope
	}{
		{&kit.Message{ChatID: 42, FromID: 42}, command.Scope{Sender: "42", Room: "42", Private: true}},
		{&kit.Message{ChatID: -100, ThreadID: 7, FromID: 42, IsGroup: true}, command.Scope{Sender: "42", Room: "-100/7"}},
	}
	for _, tc := range cases {
		if got := ScopeOf(tc.m); got != tc.want {
			t.Fatalf("ScopeOf(%+v)=%+v want %+v", tc.m, got, tc.want)
		}
	}
}

func runRouter(t *testing.T, r *Router, ups ...kit.Update) {
	t.Helper()
	ch := make(chan kit.Update, len(ups))
	for _, u := range ups {
		ch <- u
	}
	close(ch)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), ch) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("router did not stop")
	}
}

func TestRouterRepliesInRoom(t *testing.T) {
	ad := &fakeAdapter{}
	var mu sync.Mutex
	var scopes []command.Scope
	h := handlerFunc(func(_ context.Context, scope command.Scope, text string) (string, bool) {
		mu.Lock()
		scopes = append(scopes, scope)
		mu.Unlock()
		if text == "!quiet" {
			return "", false
		}
		return "<b>ok</b>", true
	})
	r := New(Config{Workers: 2}, ad, h, logx.Nop())
	runRouter(t, r,
		msg(-100, 7, 42, true, "!alerts"),
		msg(42, 0, 42, false, "hello"),
		msg(42, 0, 42, false, "!quiet"),
		kit.Update{Kind: kit.UpdateMessage},
	)

	got := ad.snapshot()
	if len(got) != 1 {
		t.Fatalf("sent=%+v", got)
	}
	if got[0].to != (kit.ChatTarget{ChatID: -100, ThreadID: 7}) || got[0].opt == nil || got[0].opt.ParseMode != "HTML" {
		t.Fatalf("reply=%+v", got[0])
	}
	if len(scopes) != 2 {
		t.Fatalf("handler saw %d messages, want 2 (plain text is skipped)", len(scopes))
	}
}

func TestRouterRecoversPanic(t *testing.T) {
	ad := &fakeAdapter{}
	calls := 0
	var mu sync.Mutex
	h := handlerFunc(func(_ context.Context, _ command.Scope, text string) (string, bool) {
		mu.Lock()
		calls++
		mu.Unlock()
		if text == "!boom" {
			panic("boom")
		}
		return "fine", true
	})
	r := New(Config{Workers: 1}, ad, h, logx.Nop())
	runRouter(t, r, msg(1, 0, 1, false, "!boom"), msg(1, 0, 1, false, "!help"))
	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
	if got := ad.snapshot(); len(got) != 1 || got[0].text != "fine" {
		t.Fatalf("sent=%+v", got)
	}
}

func TestRouterAppliesTimeout(t *testing.T) {
	ad := &fakeAdapter{}
	var hadDeadline bool
	h := handlerFunc(func(ctx context.Context, _ command.Scope, _ string) (string, bool) {
		_, hadDeadline = ctx.Deadline()
		return "", false
	})
	r := New(Config{Workers: 1, Timeout: time.Second}, ad, h, logx.Nop())
	runRouter(t, r, msg(1, 0, 1, false, "!help"))
	if !hadDeadline {
		t.Fatalf("command ran without deadline")
	}
}

func TestRouterBusyWhenQueueFull(t *testing.T) {
	ad := &fakeAdapter{}
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	h := handlerFunc(func(context.Context, command.Scope, string) (string, bool) {
		started <- struct{}{}
		<-release
		return "", false
	})
	r := New(Config{Workers: 1, QueueSize: 1}, ad, h, logx.Nop())
	ch := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), ch) }()

	ch <- msg(1, 0, 1, false, "!a")
	<-started
	ch <- msg(1, 0, 1, false, "!b") // queued
	ch <- msg(1, 0, 1, false, "!c") // queue full
	deadline := time.Now().Add(3 * time.Second)
	for len(ad.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	close(ch)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	got := ad.snapshot()
	if len(got) != 1 || got[0].text != busyReply {
		t.Fatalf("sent=%+v", got)
	}
}
