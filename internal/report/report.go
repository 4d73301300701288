// Package report renders the chat messages abot sends: alert notifications
// and stats digests. Output is Telegram-flavoured HTML.
package report

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"

	"abot/internal/alert"
	"abot/internal/dispatch"
	"abot/internal/member"
)

// DefaultAlertTemplate mirrors the layout operators are used to.
const DefaultAlertTemplate = `🚨 <b>Alert code: {{.Code}}</b> {{.Emoji}}
‣ 🦸 {{.MemberName}}{{if .ServiceID}} ({{.ServiceID}}){{end}}
‣ 💬 {{.Message}}
——`

// AlertView is the data available to alert templates.
type AlertView struct {
	ID            string
	Code          int
	Severity      string
	Emoji         string
	Member        string
	MemberName    string
	ServiceID     string
	HealthCheckID int
	Message       string
	ReceivedAt    time.Time
}

type Renderer struct {
	tmpl    *template.Template
	scale   *alert.Scale
	members *member.Directory
}

// New parses tmpl (DefaultAlertTemplate when empty). members may be nil.
func New(tmpl string, scale *alert.Scale, members *member.Directory) (*Renderer, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultAlertTemplate
	}
	t, err := template.New("alert").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("templates.alert: %w", err)
	}
	if scale == nil {
		scale = alert.DefaultScale()
	}
	return &Renderer{tmpl: t, scale: scale, members: members}, nil
}

// Format renders a for delivery. A template execution error falls back to
// a plain one-line message so the alert is never lost.
func (r *Renderer) Format(a alert.Alert) string {
	v := AlertView{
		ID:            a.ID,
		Code:          a.Code,
		Severity:      string(a.Severity),
		Emoji:         SeverityEmoji(r.scale, a.Severity),
		Member:        a.Member,
		MemberName:    a.Member,
		ServiceID:     a.ServiceID,
		HealthCheckID: a.HealthCheckID,
		Message:       a.Message,
		ReceivedAt:    a.ReceivedAt,
	}
	if m, ok := r.members.Lookup(a.Member); ok && m.Name != m.ID {
		v.MemberName = m.Name + " (" + m.ID + ")"
		if a.ServiceID != "" {
			v.MemberName = m.Name
		}
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, v); err != nil {
		return fmt.Sprintf("🚨 %s %s: %s", html.EscapeString(a.Member), v.Emoji, html.EscapeString(a.Message))
	}
	return buf.String()
}

// SeverityEmoji is one 🔥 per rank step: the lowest level gets one.
func SeverityEmoji(scale *alert.Scale, sev alert.Severity) string {
	r := scale.Rank(sev)
	if r < 0 {
		return ""
	}
	return strings.Repeat("🔥", r+1)
}

// Stats renders the !stats reply and the daily digest.
func Stats(s dispatch.StatsSnapshot, subscriptions int, now time.Time) string {
	var b strings.Builder
	b.WriteString("📊 <b>Alert stats</b>\n")
	fmt.Fprintf(&b, "‣ received: %d\n", s.Received)
	fmt.Fprintf(&b, "‣ matched: %d\n", s.Matched)
	fmt.Fprintf(&b, "‣ delivered: %d\n", s.Delivered)
	fmt.Fprintf(&b, "‣ muted: %d\n", s.Muted)
	fmt.Fprintf(&b, "‣ failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "‣ rejected: %d\n", s.Rejected)
	fmt.Fprintf(&b, "‣ subscriptions: %d\n", subscriptions)
	b.WriteString("——\n")
	fmt.Fprintf(&b, "<i>since %s (%s)</i>", s.Since.UTC().Format("2006-01-02 15:04 MST"), Duration(now.Sub(s.Since).Truncate(time.Minute)))
	return b.String()
}

// Duration formats d without trailing zero units: 10m, 1h30m, 2h.
func Duration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
