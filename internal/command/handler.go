package command

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"abot/internal/alert"
	"abot/internal/dispatch"
	"abot/internal/member"
	"abot/internal/metrics"
	"abot/internal/report"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

// StatsSource exposes the dispatcher counters to !stats.
type StatsSource interface {
	Snapshot() dispatch.StatsSnapshot
}

type HandlerConfig struct {
	Parser   *Parser
	Registry *subscription.Registry
	Members  *member.Directory
	Scale    *alert.Scale
	Stats    StatsSource
	Clock    clock.Clock
	Log      logx.Logger
	// DefaultMute applies when !subscribe omits MUTE_INTERVAL (0 = none).
	DefaultMute time.Duration
	// Version is shown at the bottom of !help.
	Version string
}

// Handler applies parsed commands to the registry and builds the reply.
// Commands are synchronous: Handle returns once the registry (and its
// storage) has been updated.
type Handler struct {
	parser  *Parser
	reg     *subscription.Registry
	members *member.Directory
	scale   *alert.Scale
	stats   StatsSource
	clock   clock.Clock
	log     logx.Logger
	version string

	defaultMute atomic.Int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		parser:  cfg.Parser,
		reg:     cfg.Registry,
		members: cfg.Members,
		scale:   cfg.Scale,
		stats:   cfg.Stats,
		clock:   cfg.Clock,
		log:     cfg.Log,
		version: cfg.Version,
	}
	if h.scale == nil {
		h.scale = alert.DefaultScale()
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.SetDefaultMute(cfg.DefaultMute)
	return h
}

// SetDefaultMute changes the mute used by !subscribe without MUTE_INTERVAL.
func (h *Handler) SetDefaultMute(d time.Duration) {
	if d < 0 {
		d = 0
	}
	h.defaultMute.Store(int64(d))
}

// Handle parses text and applies it. handled is false when text is not a
// command; otherwise reply is always non-empty.
func (h *Handler) Handle(ctx context.Context, scope Scope, text string) (reply string, handled bool) {
	cmd, err := h.parser.Parse(text, scope)
	if errors.Is(err, ErrNotCommand) {
		return "", false
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		h.log.Debug("command rejected", logx.String("room", scope.Room), logx.String("reason", pe.Reason))
		metrics.CommandsTotal.WithLabelValues(commandName(text), "parse_error").Inc()
		return html.EscapeString(pe.Reason), true
	}
	if err != nil {
		return "⚠️ " + html.EscapeString(err.Error()), true
	}

	reply, err = h.apply(ctx, scope, cmd)
	result := "ok"
	var perr *subscription.PersistenceError
	switch {
	case errors.As(err, &perr):
		result = "not_persisted"
		reply += "\n⚠️ Storage is unavailable: the change is active but will be lost on restart until storage recovers."
	case err != nil:
		result = "error"
		h.log.Error("command failed", logx.String("command", cmd.Name()), logx.String("room", scope.Room), logx.Err(err))
		reply = "⚠️ Something went wrong, please try again later."
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Name(), result).Inc()
	return reply, true
}

func commandName(text string) string {
	f := strings.Fields(text)
	if len(f) == 0 {
		return "unknown"
	}
	kw := strings.ToLower(strings.TrimPrefix(f[0], prefix))
	if i := strings.IndexByte(kw, '@'); i >= 0 {
		kw = kw[:i]
	}
	switch kw {
	case "subscribe", "unsubscribe", "maintenance", "alerts", "help", "stats":
		return kw
	}
	return "unknown"
}

func (h *Handler) apply(ctx context.Context, scope Scope, cmd Command) (string, error) {
	switch c := cmd.(type) {
	case Help:
		return h.help(), nil
	case Stats:
		if h.stats == nil {
			return "📊 Stats are not available.", nil
		}
		return report.Stats(h.stats.Snapshot(), h.reg.Len(), h.clock.Now()), nil
	case List:
		return h.list(c.Subscriber), nil
	case Subscribe:
		return h.subscribe(ctx, c)
	case Unsubscribe:
		return h.unsubscribe(ctx, c)
	case Maintenance:
		changed, err := h.reg.SetMaintenance(ctx, c.Member, c.On)
		mode := "off"
		if c.On {
			mode = "on"
		}
		if err != nil && !isPersistErr(err) {
			return "", err
		}
		h.log.Info("maintenance command", logx.String("member", c.Member), logx.String("mode", mode), logx.String("by", scope.Sender))
		if !changed {
			return fmt.Sprintf("🛠️ Maintenance for <b>%s</b> is already %s", html.EscapeString(c.Member), mode), err
		}
		return fmt.Sprintf("🛠️ Maintenance for <b>%s</b> is now %s", html.EscapeString(c.Member), mode), err
	default:
		return "", fmt.Errorf("unhandled command %T", cmd)
	}
}

func isPersistErr(err error) bool {
	var pe *subscription.PersistenceError
	return errors.As(err, &pe)
}

func (h *Handler) subscribe(ctx context.Context, c Subscribe) (string, error) {
	mute := c.Mute
	if !c.HasMute {
		mute = time.Duration(h.defaultMute.Load())
	}
	members := []string{c.Member}
	if c.Member == "" {
		members = h.members.IDs()
	}
	sevs := []alert.Severity{c.Severity}
	if c.Severity == "" {
		sevs = h.scale.Levels()
	}

	var (
		persistErr error
		sub        subscription.Subscription
	)
	for _, m := range members {
		for _, sev := range sevs {
			s, _, err := h.reg.Upsert(ctx, c.Subscriber, m, sev, mute)
			switch {
			case err == nil:
			case isPersistErr(err):
				persistErr = err
			default:
				return "", err
			}
			sub = s
		}
	}

	msg := "📥 Subscription -> " + describe(c.Member, c.Severity)
	if mute > 0 {
		msg += fmt.Sprintf("\n🔇 Muted for %s (until %s)", report.Duration(mute), sub.MuteUntil.UTC().Format("15:04 MST"))
	}
	return msg, persistErr
}

func (h *Handler) unsubscribe(ctx context.Context, c Unsubscribe) (string, error) {
	what := describe(c.Member, c.Severity)
	if c.Severity != "" {
		removed, err := h.reg.Remove(ctx, c.Subscriber, c.Member, c.Severity)
		if err != nil && !isPersistErr(err) {
			return "", err
		}
		if !removed {
			return "❌ No Subscription - <i>" + what + "</i>", nil
		}
		return "🗑️ Subscription removed - <i>" + what + "</i>", err
	}
	removed, err := h.reg.RemoveMatching(ctx, c.Subscriber, c.Member)
	if err != nil && !isPersistErr(err) {
		return "", err
	}
	if len(removed) == 0 {
		return "❌ No Subscription - <i>" + what + "</i>", nil
	}
	return fmt.Sprintf("🗑️ Subscription removed - <i>%s</i> (%d)", what, len(removed)), err
}

func (h *Handler) list(subscriber string) string {
	subs := h.reg.List(subscriber)
	if len(subs) == 0 {
		return "📭 No subscriptions. Try <b>!subscribe alerts</b>."
	}
	now := h.clock.Now()
	var b strings.Builder
	b.WriteString("📋 <b>Subscriptions</b>\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "‣ %s %s %s", html.EscapeString(s.Member), s.Severity, report.SeverityEmoji(h.scale, s.Severity))
		if subscription.IsMuted(s, now) {
			fmt.Fprintf(&b, " 🔇 until %s", s.MuteUntil.UTC().Format("15:04 MST"))
		}
		b.WriteString("\n")
	}
	if m := maintenanceNote(h, subs); m != "" {
		b.WriteString(m)
	}
	return strings.TrimRight(b.String(), "\n")
}

func maintenanceNote(h *Handler, subs []subscription.Subscription) string {
	seen := map[string]bool{}
	var out []string
	for _, s := range subs {
		if seen[s.Member] {
			continue
		}
		seen[s.Member] = true
		if _, on := h.reg.Maintenance(s.Member); on {
			out = append(out, html.EscapeString(s.Member))
		}
	}
	if len(out) == 0 {
		return ""
	}
	return "🛠️ In maintenance: " + strings.Join(out, ", ")
}

func describe(member string, sev alert.Severity) string {
	switch {
	case member == "":
		return "Alerts from all members"
	case sev == "":
		return fmt.Sprintf("Alerts from %s", html.EscapeString(member))
	default:
		return fmt.Sprintf("Alerts from %s with %s severity", html.EscapeString(member), sev)
	}
}

func (h *Handler) help() string {
	var b strings.Builder
	b.WriteString("✨ Supported commands:\n")
	b.WriteString("<b>!subscribe alerts [MUTE_INTERVAL]</b> - Subscribe to all alerts from all members. MUTE_INTERVAL is optional, e.g. 30m, 1h or 10 (minutes).\n")
	b.WriteString("<b>!subscribe alerts <i>MEMBER</i> [MUTE_INTERVAL]</b> - Subscribe to alerts by MEMBER.\n")
	fmt.Fprintf(&b, "<b>!subscribe alerts <i>MEMBER</i> <i>SEVERITY</i> [MUTE_INTERVAL]</b> - Subscribe to alerts by MEMBER and SEVERITY. SEVERITY must be one of: [%s].\n", h.scale.Names())
	b.WriteString("<b>!unsubscribe alerts</b> - Unsubscribe from all alerts.\n")
	b.WriteString("<b>!unsubscribe alerts <i>MEMBER</i></b> - Unsubscribe from alerts by MEMBER.\n")
	b.WriteString("<b>!unsubscribe alerts <i>MEMBER</i> <i>SEVERITY</i></b> - Unsubscribe from alerts by MEMBER and SEVERITY.\n")
	b.WriteString("<b>!alerts</b> - List your subscriptions.\n")
	b.WriteString("<b>!stats alerts</b> - Show delivery statistics.\n")
	b.WriteString("<b>!maintenance <i>MEMBER</i> on|off</b> - Toggle maintenance mode (operators only).\n")
	b.WriteString("<b>!help</b> - Print this message.\n")
	b.WriteString("——")
	if h.version != "" {
		fmt.Fprintf(&b, "\n<code>abot %s</code>", html.EscapeString(h.version))
	}
	return b.String()
}
