// Package command turns chat text into typed commands and applies them to the
// subscription registry.
//
// Parsing is a pure function of (text, scope): Parser keeps no state between
// calls beyond its immutable configuration.
package command

import (
	"errors"
	"fmt"
	"time"

	"abot/internal/alert"
)

// ErrNotCommand is returned for text that is not addressed to the bot.
var ErrNotCommand = errors.New("not a command")

// ParseError carries a human-readable reason that is sent back to the room.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Command is one of Subscribe, Unsubscribe, Maintenance, List, Help or Stats.
type Command interface {
	Name() string
}

// Subscribe upserts subscriptions. An empty Member means every member, an
// empty Severity every severity.
type Subscribe struct {
	Subscriber string
	Member     string
	Severity   alert.Severity
	Mute       time.Duration
	// HasMute is false when no MUTE_INTERVAL was given.
	HasMute bool
}

// Unsubscribe removes subscriptions; empty fields widen it like Subscribe.
type Unsubscribe struct {
	Subscriber string
	Member     string
	Severity   alert.Severity
}

type Maintenance struct {
	Member string
	On     bool
}

// List shows the subscriptions of Subscriber.
type List struct {
	Subscriber string
}

type Help struct{}

type Stats struct{}

func (Subscribe) Name() string   { return "subscribe" }
func (Unsubscribe) Name() string { return "unsubscribe" }
func (Maintenance) Name() string { return "maintenance" }
func (List) Name() string        { return "alerts" }
func (Help) Name() string        { return "help" }
func (Stats) Name() string       { return "stats" }

// Scope describes where a command was sent and by whom.
type Scope struct {
	// Sender is the sender's own identity; in a private room it addresses
	// the sender directly.
	Sender string
	// Room is the identity of the room the text was posted in.
	Room    string
	Private bool
}

// RoomPolicy decides how subscription commands posted in public rooms are
// scoped.
type RoomPolicy string

const (
	// RoomReject refuses subscription commands outside private rooms.
	RoomReject RoomPolicy = "reject"
	// RoomShared subscribes the public room itself.
	RoomShared RoomPolicy = "room"
	// RoomSender subscribes the sender; deliveries go to their private room.
	RoomSender RoomPolicy = "sender"
)

// ParseRoomPolicy maps a config value to a policy; empty means RoomReject.
func ParseRoomPolicy(s string) (RoomPolicy, error) {
	switch RoomPolicy(s) {
	case "", RoomReject:
		return RoomReject, nil
	case RoomShared, RoomSender:
		return RoomPolicy(s), nil
	default:
		return "", errors.New("chat.public_rooms: want reject, room or sender")
	}
}
