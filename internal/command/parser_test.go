package command

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"abot/internal/alert"
	"abot/internal/member"
)

func testParser(policy RoomPolicy) *Parser {
	scale, _ := alert.NewScale([]string{"info", "warning", "critical", "emergency"}, "")
	return NewParser(ParserConfig{
		Scale:       scale,
		Members:     member.New(member.Member{ID: "node7"}, member.Member{ID: "amforc"}, member.Member{ID: "10bit"}),
		PublicRooms: policy,
		Operators:   []string{"42"},
	})
}

var private = Scope{Sender: "7", Room: "7", Private: true}

func TestParseValid(t *testing.T) {
	p := testParser(RoomReject)
	cases := []struct {
		text string
		want Command
	}{
		{"!help", Help{}},
		{"!HELP extra", Help{}},
		{"!help@abot_bot", Help{}},
		{"!stats", Stats{}},
		{"!stats alerts", Stats{}},
		{"!alerts", List{Subscriber: "7"}},
		{"!subscribe alerts", Subscribe{Subscriber: "7"}},
		{"!subscribe alerts 10m", Subscribe{Subscriber: "7", Mute: 10 * time.Minute, HasMute: true}},
		{"!subscribe alerts [15]", Subscribe{Subscriber: "7", Mute: 15 * time.Minute, HasMute: true}},
		{"!subscribe alerts node7", Subscribe{Subscriber: "7", Member: "node7"}},
		{"!subscribe alerts node7 1h", Subscribe{Subscriber: "7", Member: "node7", Mute: time.Hour, HasMute: true}},
		{"!Subscribe Alerts node7 Critical", Subscribe{Subscriber: "7", Member: "node7", Severity: "critical"}},
		{"!subscribe alerts node7 critical 1h30m", Subscribe{Subscriber: "7", Member: "node7", Severity: "critical", Mute: 90 * time.Minute, HasMute: true}},
		{"!subscribe alerts 10bit warning", Subscribe{Subscriber: "7", Member: "10bit", Severity: "warning"}},
		{"!unsubscribe alerts", Unsubscribe{Subscriber: "7"}},
		{"!unsubscribe alerts amforc", Unsubscribe{Subscriber: "7", Member: "amforc"}},
		{"!unsubscribe alerts node7 critical", Unsubscribe{Subscriber: "7", Member: "node7", Severity: "critical"}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got, err := p.Parse(tc.text, private)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v want %#v", got, tc.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	p := testParser(RoomReject)
	cases := []struct {
		text   string
		reason string
	}{
		{"!frobnicate", "unknown command"},
		{"!subscribe", "usage"},
		{"!subscribe things node7", "usage"},
		{"!subscribe alerts node8", "No member with ID node8"},
		{"!subscribe alerts node7 fatal", "unknown severity"},
		{"!subscribe alerts node7 critical 10x", "malformed mute interval"},
		{"!subscribe alerts node7 critical 0", "greater than zero"},
		{"!subscribe alerts node7 critical 1h extra", "too many arguments"},
		{"!subscribe alerts node7 1h critical", "unexpected argument"},
		{"!subscribe alerts [abc]", "malformed mute interval"},
		{"!unsubscribe alerts node7 critical 1h", "too many arguments"},
		{"!unsubscribe alerts 10", "No member with ID 10"},
		{"!subscribe alerts 2024", "No member with ID 2024"},
		{"!subscribe alerts node7 critical 400000000", "too long"},
		{"!alerts now", "usage"},
		{"!stats everything", "usage"},
		{"!maintenance node7", "usage"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			_, err := p.Parse(tc.text, private)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("want ParseError, got %v", err)
			}
			if !strings.Contains(pe.Reason, tc.reason) {
				t.Fatalf("reason %q does not contain %q", pe.Reason, tc.reason)
			}
		})
	}
}

func TestParseNotCommand(t *testing.T) {
	p := testParser(RoomReject)
	for _, text := range []string{"", "   ", "hello !help", "subscribe alerts"} {
		if _, err := p.Parse(text, private); !errors.Is(err, ErrNotCommand) {
			t.Fatalf("%q: err=%v want ErrNotCommand", text, err)
		}
	}
}

func TestPublicRoomScoping(t *testing.T) {
	group := Scope{Sender: "7", Room: "-1001", Private: false}

	t.Run("reject", func(t *testing.T) {
		p := testParser(RoomReject)
		for _, text := range []string{"!subscribe alerts node7", "!unsubscribe alerts", "!alerts"} {
			_, err := p.Parse(text, group)
			var pe *ParseError
			if !errors.As(err, &pe) || !strings.Contains(pe.Reason, "private chat") {
				t.Fatalf("%q: err=%v", text, err)
			}
		}
		if _, err := p.Parse("!help", group); err != nil {
			t.Fatalf("!help must work in public rooms: %v", err)
		}
		if _, err := p.Parse("!stats", group); err != nil {
			t.Fatalf("!stats must work in public rooms: %v", err)
		}
	})

	t.Run("room", func(t *testing.T) {
		p := testParser(RoomShared)
		got, err := p.Parse("!subscribe alerts node7", group)
		if err != nil || got.(Subscribe).Subscriber != "-1001" {
			t.Fatalf("got %#v err=%v", got, err)
		}
	})

	t.Run("sender", func(t *testing.T) {
		p := testParser(RoomSender)
		got, err := p.Parse("!alerts", group)
		if err != nil || got.(List).Subscriber != "7" {
			t.Fatalf("got %#v err=%v", got, err)
		}
	})

	t.Run("private always uses room", func(t *testing.T) {
		p := testParser(RoomShared)
		got, _ := p.Parse("!alerts", Scope{Sender: "7", Room: "7/3", Private: true})
		if got.(List).Subscriber != "7/3" {
			t.Fatalf("got %#v", got)
		}
	})
}

func TestMaintenanceIsOperatorOnly(t *testing.T) {
	p := testParser(RoomReject)
	if _, err := p.Parse("!maintenance node7 on", private); err == nil || !strings.Contains(err.Error(), "operators") {
		t.Fatalf("non-operator accepted: %v", err)
	}
	op := Scope{Sender: "42", Room: "-1001"}
	got, err := p.Parse("!maintenance node7 ON", op)
	if err != nil || !reflect.DeepEqual(got, Maintenance{Member: "node7", On: true}) {
		t.Fatalf("got %#v err=%v", got, err)
	}
	if _, err := p.Parse("!maintenance node7 maybe", op); err == nil {
		t.Fatalf("bad mode accepted")
	}
	if _, err := p.Parse("!maintenance node8 off", op); err == nil {
		t.Fatalf("unknown member accepted")
	}
}

func TestParseMute(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"10", 10 * time.Minute, true},
		{"[10]", 10 * time.Minute, true},
		{"30m", 30 * time.Minute, true},
		{"1h30m", 90 * time.Minute, true},
		{"45s", 45 * time.Second, true},
		{"0", 0, false},
		{"-5m", 0, false},
		{"[]", 0, false},
		{"soon", 0, false},
		{"153722867", 153722867 * time.Minute, true},
		{"153722868", 0, false},
		{"400000000", 0, false},
		{"99999999999999999999", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseMute(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseMute(%q)=%v,%v want %v ok=%v", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestParseRoomPolicy(t *testing.T) {
	for in, want := range map[string]RoomPolicy{"": RoomReject, "reject": RoomReject, "room": RoomShared, "sender": RoomSender} {
		got, err := ParseRoomPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseRoomPolicy(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseRoomPolicy("everyone"); err == nil {
		t.Fatalf("expected error")
	}
}
