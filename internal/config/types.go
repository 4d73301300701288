package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Optional sections are pointers so an omitted block can be told apart from
// an explicitly empty one.
type Config struct {
	Chat       ChatConfig       `json:"chat"`
	Logging    LoggingConfig    `json:"logging"`
	Members    MembersConfig    `json:"members"`
	Severities SeveritiesConfig `json:"severities"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Notifier   NotifierConfig   `json:"notifier"`
	Webhook    WebhookConfig    `json:"webhook"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Report     ReportConfig     `json:"report"`
	Admin      AdminConfig      `json:"admin"`

	NATS    *NATSConfig    `json:"nats,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

// ChatConfig selects the chat transport and the command policy.
type ChatConfig struct {
	// Transport is "telegram" (default) or "discard" (log only, no commands).
	Transport   string `json:"transport,omitempty"`
	Token       string `json:"token"` // never logged
	PollTimeout string `json:"poll_timeout,omitempty"`

	// PublicRooms is how subscription commands in group rooms are handled:
	// "reject" (default), "room" or "sender".
	PublicRooms string `json:"public_rooms,omitempty"`
	// Operators may run !maintenance. User ids, as strings or numbers.
	Operators IDList `json:"operators,omitempty"`

	// Workers handling chat updates concurrently.
	Workers int `json:"workers,omitempty"`
	// CommandTimeout bounds one command.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	// Chat forwards warnings and errors into a room ("<chat_id>[/<thread_id>]").
	Chat struct {
		Enabled    bool   `json:"enabled"`
		Room       string `json:"room"`
		MinLevel   string `json:"min_level,omitempty"`
		RatePerSec int    `json:"rate_per_sec,omitempty"`
	} `json:"chat"`
}

type MembersConfig struct {
	Path         string `json:"path,omitempty"`
	URL          string `json:"url,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

type SeveritiesConfig struct {
	// Levels lowest first; default low, medium, high.
	Levels []string `json:"levels,omitempty"`
	// Match is "exact" (default) or "at_least".
	Match string `json:"match,omitempty"`
}

type DispatchConfig struct {
	SendTimeout  string `json:"send_timeout,omitempty"`
	Retries      *int   `json:"retries,omitempty"` // default 1
	RetryBackoff string `json:"retry_backoff,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	// DefaultMute applies when !subscribe omits a mute interval. "0s" (default) means none.
	DefaultMute      string   `json:"default_mute,omitempty"`
	ServiceAllowlist []string `json:"service_allowlist,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

type WebhookConfig struct {
	Enabled    bool     `json:"enabled"`
	Listen     string   `json:"listen,omitempty"`
	APIKeys    []string `json:"api_keys,omitempty"` // never logged
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	// Pprof mounts /debug/pprof on the webhook listener. Keep it on localhost.
	Pprof bool `json:"pprof,omitempty"`
}

// AdminConfig is the operator listener (health, metrics, pprof). It is
// reloaded live.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type NATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/abot.db", "delivery_log": true }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	DeliveryLog bool   `json:"delivery_log,omitempty"`
}

type ScheduleConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// Flush retries persistence while the registry is degraded.
	Flush string `json:"flush,omitempty"` // default "@every 1m"
	// Digest posts stats to DigestRoom; empty disables.
	Digest     string `json:"digest,omitempty"`
	DigestRoom string `json:"digest_room,omitempty"`
}

type ReportConfig struct {
	// AlertTemplate is an html/template; empty uses the built-in layout.
	AlertTemplate string `json:"alert_template,omitempty"`
}

// IDList accepts a list of strings or integers. Chat user ids are large
// numbers that YAML authors rarely quote.
type IDList []string

func (l *IDList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(IDList, 0, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, strings.TrimSpace(s))
			continue
		}
		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("[%d]: want string or integer", i)
		}
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return fmt.Errorf("[%d]: %q is not an integer id", i, n.String())
		}
		out = append(out, n.String())
	}
	*l = out
	return nil
}
