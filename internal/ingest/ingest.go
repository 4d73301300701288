// Package ingest turns raw alert payloads into dispatches. It is shared by
// the HTTP webhook and the NATS subscriber so both sources validate and count
// alerts the same way.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"

	"abot/internal/alert"
	"abot/internal/dispatch"
	logx "abot/pkg/logx"
)

// MaxPayloadBytes caps one alert body.
const MaxPayloadBytes = 1 << 20

// Source labels used for rejection metrics.
const (
	SourceWebhook = "webhook"
	SourceNATS    = "nats"
)

// DecodeError is a body that is not a single JSON alert object.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "malformed alert payload: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Dispatcher is the part of dispatch.Dispatcher ingestion needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) (dispatch.Report, error)
	Reject(source string, err error)
}

type Processor struct {
	scale   *alert.Scale
	members alert.MemberSet
	disp    Dispatcher
	clock   clock.Clock
	log     logx.Logger
}

func NewProcessor(scale *alert.Scale, members alert.MemberSet, disp Dispatcher, clk clock.Clock, log logx.Logger) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{scale: scale, members: members, disp: disp, clock: clk, log: log.With(logx.String("comp", "ingest"))}
}

// Process decodes and validates body, then dispatches the alert.
// Decode and validation failures are counted as rejected and returned as
// *DecodeError or *alert.ValidationError.
func (p *Processor) Process(ctx context.Context, source string, body []byte) (dispatch.Report, error) {
	a, err := p.Decode(body)
	if err != nil {
		p.disp.Reject(source, err)
		return dispatch.Report{}, err
	}
	p.log.Debug("alert accepted",
		logx.String("source", source),
		logx.String("alert_id", a.ID),
		logx.String("member", a.Member),
		logx.String("severity", string(a.Severity)),
	)
	return p.disp.Dispatch(ctx, a)
}

// Reject counts a payload that never reached Decode (for example a body
// that could not be read).
func (p *Processor) Reject(source string, err error) { p.disp.Reject(source, err) }

// Decode parses one JSON payload. Unknown fields are ignored; trailing data
// is not.
func (p *Processor) Decode(body []byte) (alert.Alert, error) {
	if len(body) > MaxPayloadBytes {
		return alert.Alert{}, &DecodeError{Err: fmt.Errorf("body exceeds %d bytes", MaxPayloadBytes)}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	var payload alert.Payload
	if err := dec.Decode(&payload); err != nil {
		return alert.Alert{}, &DecodeError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return alert.Alert{}, &DecodeError{Err: errors.New("trailing data after object")}
	}
	return payload.Validate(p.scale, p.members, p.clock.Now())
}

// IsRejection reports whether err is a payload problem (as opposed to a
// cancelled or stopped dispatch).
func IsRejection(err error) bool {
	var de *DecodeError
	var ve *alert.ValidationError
	return errors.As(err, &de) || errors.As(err, &ve)
}
