package command

import (
	"math"
	"strconv"
	"strings"
	"time"

	"abot/internal/alert"
)

const prefix = "!"

type ParserConfig struct {
	Scale       *alert.Scale
	Members     alert.MemberSet
	PublicRooms RoomPolicy
	// Operators are sender identities allowed to run !maintenance.
	Operators []string
}

type Parser struct {
	scale     *alert.Scale
	members   alert.MemberSet
	policy    RoomPolicy
	operators map[string]struct{}
}

func NewParser(cfg ParserConfig) *Parser {
	p := &Parser{
		scale:     cfg.Scale,
		members:   cfg.Members,
		policy:    cfg.PublicRooms,
		operators: make(map[string]struct{}, len(cfg.Operators)),
	}
	if p.scale == nil {
		p.scale = alert.DefaultScale()
	}
	if p.members == nil {
		p.members = noMembers{}
	}
	if p.policy == "" {
		p.policy = RoomReject
	}
	for _, op := range cfg.Operators {
		if op = strings.TrimSpace(op); op != "" {
			p.operators[op] = struct{}{}
		}
	}
	return p
}

// Parse turns one chat message into a Command. Text that does not start with
// "!" yields ErrNotCommand; anything else that fails yields a *ParseError.
func (p *Parser) Parse(text string, scope Scope) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], prefix) {
		return nil, ErrNotCommand
	}
	kw := strings.ToLower(strings.TrimPrefix(fields[0], prefix))
	// Group chats may address the bot as !cmd@botname.
	if i := strings.IndexByte(kw, '@'); i >= 0 {
		kw = kw[:i]
	}
	args := fields[1:]

	switch kw {
	case "help":
		return Help{}, nil

	case "stats":
		if len(args) > 1 || (len(args) == 1 && !strings.EqualFold(args[0], "alerts")) {
			return nil, parseErrorf("usage: !stats alerts")
		}
		return Stats{}, nil

	case "alerts":
		if len(args) != 0 {
			return nil, parseErrorf("usage: !alerts")
		}
		who, err := p.subscriber(scope)
		if err != nil {
			return nil, err
		}
		return List{Subscriber: who}, nil

	case "subscribe":
		rest, err := alertsArgs(kw, args, 3)
		if err != nil {
			return nil, err
		}
		t, err := p.parseTarget(rest, true)
		if err != nil {
			return nil, err
		}
		who, err := p.subscriber(scope)
		if err != nil {
			return nil, err
		}
		return Subscribe{Subscriber: who, Member: t.member, Severity: t.severity, Mute: t.mute, HasMute: t.hasMute}, nil

	case "unsubscribe":
		rest, err := alertsArgs(kw, args, 2)
		if err != nil {
			return nil, err
		}
		t, err := p.parseTarget(rest, false)
		if err != nil {
			return nil, err
		}
		who, err := p.subscriber(scope)
		if err != nil {
			return nil, err
		}
		return Unsubscribe{Subscriber: who, Member: t.member, Severity: t.severity}, nil

	case "maintenance":
		if len(args) != 2 {
			return nil, parseErrorf("usage: !maintenance MEMBER on|off")
		}
		if _, ok := p.operators[scope.Sender]; !ok {
			return nil, parseErrorf("⛔ !maintenance is restricted to operators")
		}
		member := args[0]
		if !p.members.Contains(member) {
			return nil, unknownMember(member)
		}
		var on bool
		switch strings.ToLower(args[1]) {
		case "on":
			on = true
		case "off":
		default:
			return nil, parseErrorf("unknown maintenance mode %q (want on or off)", args[1])
		}
		return Maintenance{Member: member, On: on}, nil

	default:
		return nil, parseErrorf("unknown command %q, try !help", prefix+kw)
	}
}

// alertsArgs checks the "alerts" keyword and the remaining arity.
func alertsArgs(kw string, args []string, maxArgs int) ([]string, error) {
	if len(args) == 0 || !strings.EqualFold(args[0], "alerts") {
		return nil, parseErrorf("usage: !%s alerts [MEMBER [SEVERITY]]", kw)
	}
	rest := args[1:]
	if len(rest) > maxArgs {
		return nil, parseErrorf("too many arguments for !%s alerts", kw)
	}
	return rest, nil
}

type target struct {
	member   string
	severity alert.Severity
	mute     time.Duration
	hasMute  bool
}

// parseTarget reads [MEMBER [SEVERITY]] [MUTE]. A token naming a known member
// is a member; otherwise, when mutes are allowed, a bracketed or unit-suffixed
// duration means "all members". A bare number there is an unknown member.
// After a member, a severity is tried before a duration.
func (p *Parser) parseTarget(args []string, allowMute bool) (target, error) {
	var t target
	i := 0

	if i < len(args) {
		tok := args[i]
		switch {
		case p.members.Contains(tok):
			t.member = tok
			i++
		case allowMute && looksLikeLeadingMute(tok):
			d, err := ParseMute(tok)
			if err != nil {
				return t, err
			}
			t.mute, t.hasMute = d, true
			i++
		default:
			return t, unknownMember(tok)
		}
	}

	if t.member != "" && i < len(args) {
		tok := args[i]
		if sev, ok := p.scale.Parse(tok); ok {
			t.severity = sev
			i++
		} else if allowMute && looksLikeMute(tok) {
			d, err := ParseMute(tok)
			if err != nil {
				return t, err
			}
			t.mute, t.hasMute = d, true
			i++
		} else {
			return t, parseErrorf("unknown severity %q (want one of: %s)", tok, p.scale.Names())
		}
	}

	if t.severity != "" && !t.hasMute && allowMute && i < len(args) {
		d, err := ParseMute(args[i])
		if err != nil {
			return t, err
		}
		t.mute, t.hasMute = d, true
		i++
	}

	if i < len(args) {
		return t, parseErrorf("unexpected argument %q", args[i])
	}
	return t, nil
}

type noMembers struct{}

func (noMembers) Contains(string) bool { return false }

func unknownMember(id string) *ParseError {
	return parseErrorf("❓ No member with ID %s defined", id)
}

// subscriber resolves the identity a subscription command acts on.
func (p *Parser) subscriber(scope Scope) (string, error) {
	if scope.Private {
		return scope.Room, nil
	}
	switch p.policy {
	case RoomShared:
		return scope.Room, nil
	case RoomSender:
		return scope.Sender, nil
	default:
		return "", parseErrorf("🔒 subscription commands are only accepted in a private chat with the bot")
	}
}

func looksLikeMute(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	c := s[0]
	return c == '[' || (c >= '0' && c <= '9')
}

// looksLikeLeadingMute is looksLikeMute without bare numbers, which are
// more likely a mistyped numeric member id.
func looksLikeLeadingMute(s string) bool {
	s = strings.TrimSpace(s)
	if !looksLikeMute(s) {
		return false
	}
	last := s[len(s)-1]
	return s[0] == '[' || last < '0' || last > '9'
}

// maxMuteMinutes keeps minutes*time.Minute inside a Duration.
const maxMuteMinutes = math.MaxInt64 / int64(time.Minute)

// ParseMute accepts a Go duration ("30m", "1h30m") or a number of minutes,
// optionally bracketed ("10", "[10]"). The result is always > 0.
func ParseMute(s string) (time.Duration, error) {
	raw := s
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return 0, parseErrorf("malformed mute interval %q", raw)
	}
	var d time.Duration
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		if n > uint64(maxMuteMinutes) {
			return 0, parseErrorf("mute interval %q is too long", raw)
		}
		d = time.Duration(n) * time.Minute
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, parseErrorf("malformed mute interval %q (e.g. 30m, 1h or 10 for minutes)", raw)
		}
	}
	if d <= 0 {
		return 0, parseErrorf("mute interval %q must be greater than zero", raw)
	}
	return d, nil
}
