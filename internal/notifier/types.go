package notifier

import "time"

// Config controls rate limiting and the async notice pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// ParseMode is passed to the adapter; "HTML" by default.
	ParseMode string
	// DedupWindow suppresses an identical notice to the same room after a
	// successful send; 0 disables. Alert delivery through Send ignores it.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notice is an operator message for the async path.
type Notice struct {
	Target string
	Text   string
}

// NotificationEvent is published on the event bus when a notice finishes.
type NotificationEvent struct {
	Target string    `json:"target"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
