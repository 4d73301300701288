// Package alert holds the alert data model: the configured severity scale,
// inbound payload validation and the structured Alert handed to dispatch.
package alert

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Alert is one inbound alert. It is transient: built per webhook/NATS message
// and never persisted beyond stats and the optional delivery journal.
type Alert struct {
	ID            string
	Member        string
	Severity      Severity
	Message       string
	Code          int
	ServiceID     string
	HealthCheckID int
	ReceivedAt    time.Time
}

// Payload is the wire shape posted by the monitor.
type Payload struct {
	Code          int               `json:"code"`
	Severity      string            `json:"severity"`
	Message       string            `json:"message"`
	MemberID      string            `json:"memberId"`
	ServiceID     string            `json:"serviceId"`
	HealthCheckID int               `json:"healthCheckId"`
	HealthChecks  []json.RawMessage `json:"healthChecks,omitempty"`
}

// ValidationError reports an alert (or command argument) that references an
// unknown member or severity, or lacks a required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid alert: " + e.Reason
	}
	return fmt.Sprintf("invalid alert: %s: %s", e.Field, e.Reason)
}

// MemberSet is the part of the member directory validation needs.
type MemberSet interface {
	Contains(id string) bool
}

// Validate turns a payload into an Alert. members may be nil to skip the
// membership check.
func (p Payload) Validate(scale *Scale, members MemberSet, now time.Time) (Alert, error) {
	member := strings.TrimSpace(p.MemberID)
	if member == "" {
		return Alert{}, &ValidationError{Field: "memberId", Reason: "required"}
	}
	if members != nil && !members.Contains(member) {
		return Alert{}, &ValidationError{Field: "memberId", Reason: fmt.Sprintf("unknown member %q", member)}
	}
	if strings.TrimSpace(p.Severity) == "" {
		return Alert{}, &ValidationError{Field: "severity", Reason: "required"}
	}
	sev, ok := scale.Parse(p.Severity)
	if !ok {
		return Alert{}, &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q (want one of: %s)", p.Severity, scale.Names())}
	}
	return Alert{
		ID:            uuid.NewString(),
		Member:        member,
		Severity:      sev,
		Message:       strings.TrimSpace(p.Message),
		Code:          p.Code,
		ServiceID:     strings.TrimSpace(p.ServiceID),
		HealthCheckID: p.HealthCheckID,
		ReceivedAt:    now,
	}, nil
}
