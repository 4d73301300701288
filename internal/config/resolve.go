package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"abot/internal/alert"
	"abot/internal/command"
	"abot/internal/dispatch"
	"abot/internal/ingest"
	"abot/internal/member"
	"abot/internal/notifier"
	"abot/internal/observability/admin"
	"abot/internal/schedule"
	"abot/internal/storage"
	kit "abot/internal/transport"
	"abot/internal/transport/telegram"
	"abot/internal/webhook"
	logx "abot/pkg/logx"
)

const (
	TransportTelegram = "telegram"
	TransportDiscard  = "discard"
)

// Runtime is Config validated and converted into component configs.
// Resolving never starts anything.
type Runtime struct {
	Transport      string
	Telegram       telegram.Config
	PublicRooms    command.RoomPolicy
	Operators      []string
	ChatWorkers    int
	CommandTimeout time.Duration

	Logging logx.Config
	Members member.Config
	Scale   *alert.Scale

	Dispatch    dispatch.Config
	DefaultMute time.Duration

	Notifier notifier.Config

	WebhookEnabled bool
	Webhook        webhook.Config

	NATSEnabled bool
	NATS        ingest.NATSConfig

	Storage storage.Config

	Schedule   schedule.Config
	FlushSpec  string
	DigestSpec string
	DigestRoom string

	AlertTemplate string

	Admin admin.Config
}

// Resolve validates cfg. Errors name the offending field path.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	rt := &Runtime{}
	var err error

	// chat
	rt.Transport = strings.ToLower(strings.TrimSpace(cfg.Chat.Transport))
	if rt.Transport == "" {
		rt.Transport = TransportTelegram
	}
	switch rt.Transport {
	case TransportTelegram:
		if strings.TrimSpace(cfg.Chat.Token) == "" {
			return nil, errors.New("chat.token is required for the telegram transport (or set ABOT_CHAT_TOKEN)")
		}
	case TransportDiscard:
	default:
		return nil, fmt.Errorf("chat.transport: unknown transport %q", cfg.Chat.Transport)
	}
	rt.Telegram.Token = strings.TrimSpace(cfg.Chat.Token)
	if rt.Telegram.PollTimeout, err = ParseDurationOrDefault("chat.poll_timeout", cfg.Chat.PollTimeout, 10*time.Second); err != nil {
		return nil, err
	}
	if rt.PublicRooms, err = command.ParseRoomPolicy(strings.ToLower(strings.TrimSpace(cfg.Chat.PublicRooms))); err != nil {
		return nil, err
	}
	for _, id := range cfg.Chat.Operators {
		if id != "" {
			rt.Operators = append(rt.Operators, id)
		}
	}
	rt.ChatWorkers = cfg.Chat.Workers
	if rt.ChatWorkers <= 0 {
		rt.ChatWorkers = 4
	}
	if rt.CommandTimeout, err = ParseDurationOrDefault("chat.command_timeout", cfg.Chat.CommandTimeout, 15*time.Second); err != nil {
		return nil, err
	}

	// logging
	if rt.Logging, err = resolveLogging(cfg.Logging); err != nil {
		return nil, err
	}

	// members
	rt.Members = member.Config{Path: strings.TrimSpace(cfg.Members.Path), URL: strings.TrimSpace(cfg.Members.URL)}
	if rt.Members.Path == "" && rt.Members.URL == "" {
		return nil, errors.New("members: set members.path or members.url")
	}
	if rt.Members.FetchTimeout, err = ParseDurationOrDefault("members.fetch_timeout", cfg.Members.FetchTimeout, 15*time.Second); err != nil {
		return nil, err
	}

	// severities
	if rt.Scale, err = alert.NewScale(cfg.Severities.Levels, cfg.Severities.Match); err != nil {
		return nil, err
	}

	// dispatch
	if rt.Dispatch, rt.DefaultMute, err = resolveDispatch(cfg.Dispatch); err != nil {
		return nil, err
	}

	// notifier
	rt.Notifier = notifier.Config{
		RatePerSec: cfg.Notifier.RatePerSec,
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
	}
	if rt.Notifier.DedupWindow, err = ParseDurationField("notifier.dedup_window", cfg.Notifier.DedupWindow); err != nil {
		return nil, err
	}

	// webhook
	rt.WebhookEnabled = cfg.Webhook.Enabled
	rt.Webhook = webhook.Config{
		Listen:     strings.TrimSpace(cfg.Webhook.Listen),
		RatePerSec: cfg.Webhook.RatePerSec,
		Pprof:      cfg.Webhook.Pprof,
	}
	for _, k := range cfg.Webhook.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			rt.Webhook.APIKeys = append(rt.Webhook.APIKeys, k)
		}
	}
	if rt.WebhookEnabled {
		if len(rt.Webhook.APIKeys) == 0 {
			return nil, errors.New("webhook.api_keys: at least one key is required (or set ABOT_API_KEYS)")
		}
		if rt.Webhook.Listen != "" {
			if _, _, err := net.SplitHostPort(rt.Webhook.Listen); err != nil {
				return nil, fmt.Errorf("webhook.listen: %w", err)
			}
		}
	}

	// nats
	if cfg.NATS != nil && strings.TrimSpace(cfg.NATS.URL) != "" {
		rt.NATSEnabled = true
		rt.NATS = ingest.NATSConfig{
			URL:     strings.TrimSpace(cfg.NATS.URL),
			Subject: strings.TrimSpace(cfg.NATS.Subject),
			Queue:   strings.TrimSpace(cfg.NATS.Queue),
		}
		if rt.NATS.Timeout, err = ParseDurationField("nats.timeout", cfg.NATS.Timeout); err != nil {
			return nil, err
		}
	}
	if !rt.WebhookEnabled && !rt.NATSEnabled {
		return nil, errors.New("no alert source: enable webhook or configure nats.url")
	}

	// storage
	if cfg.Storage != nil {
		rt.Storage = storage.Config{
			Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
			Path:        strings.TrimSpace(cfg.Storage.Path),
			DeliveryLog: cfg.Storage.DeliveryLog,
		}
		if rt.Storage.BusyTimeout, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return nil, err
		}
		switch rt.Storage.Driver {
		case "", "none":
		case "file", "sqlite", "sqlite3", "bolt", "bbolt":
			if rt.Storage.Path == "" {
				return nil, fmt.Errorf("storage.path is required for driver %q", rt.Storage.Driver)
			}
		default:
			return nil, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}

	// schedule
	rt.Schedule = schedule.Config{Timezone: strings.TrimSpace(cfg.Schedule.Timezone)}
	if rt.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(rt.Schedule.Timezone); err != nil {
			return nil, fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	rt.FlushSpec = strings.TrimSpace(cfg.Schedule.Flush)
	if rt.FlushSpec == "" {
		rt.FlushSpec = "@every 1m"
	}
	rt.DigestSpec = strings.TrimSpace(cfg.Schedule.Digest)
	rt.DigestRoom = strings.TrimSpace(cfg.Schedule.DigestRoom)
	if rt.DigestSpec != "" || rt.DigestRoom != "" {
		if _, err := kit.ParseTarget(rt.DigestRoom); err != nil {
			return nil, fmt.Errorf("schedule.digest_room: %w", err)
		}
	}

	rt.AlertTemplate = cfg.Report.AlertTemplate

	if rt.Admin, err = resolveAdmin(cfg.Admin); err != nil {
		return nil, err
	}
	return rt, nil
}

func resolveAdmin(c AdminConfig) (admin.Config, error) {
	out := admin.Config{
		Enabled:              c.Enabled,
		Addr:                 strings.TrimSpace(c.Addr),
		Token:                strings.TrimSpace(c.Token),
		AllowInsecure:        c.AllowInsecure,
		Pprof:                c.Pprof,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}
	if !out.Enabled {
		return out, nil
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return out, fmt.Errorf("admin.addr: %w", err)
	}
	if out.Token == "" && !out.AllowInsecure && !admin.IsLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("admin.addr: %s is not loopback; set admin.token or admin.allow_insecure", out.Addr)
	}
	if out.MutexProfileFraction < 0 || out.BlockProfileRate < 0 {
		return out, errors.New("admin: profile rates must be >= 0")
	}
	return out, nil
}

func resolveLogging(c LoggingConfig) (logx.Config, error) {
	out := logx.Config{Level: strings.ToLower(strings.TrimSpace(c.Level)), Console: c.Console}
	switch out.Level {
	case "":
		out.Level = "info"
	case "trace", "debug", "info", "warn", "error":
	default:
		return out, fmt.Errorf("logging.level: unknown level %q", c.Level)
	}
	out.File.Enabled = c.File.Enabled
	out.File.Path = strings.TrimSpace(c.File.Path)
	out.Chat.Enabled = c.Chat.Enabled
	out.Chat.MinLevel = strings.TrimSpace(c.Chat.MinLevel)
	out.Chat.RatePerSec = c.Chat.RatePerSec
	if c.Chat.Enabled {
		t, err := kit.ParseTarget(c.Chat.Room)
		if err != nil {
			return out, fmt.Errorf("logging.chat.room: %w", err)
		}
		out.Chat.Target = t
	}
	return out, nil
}

func resolveDispatch(c DispatchConfig) (dispatch.Config, time.Duration, error) {
	out := dispatch.DefaultConfig()
	var err error
	if out.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, out.SendTimeout); err != nil {
		return out, 0, err
	}
	if out.RetryBackoff, err = ParseDurationOrDefault("dispatch.retry_backoff", c.RetryBackoff, out.RetryBackoff); err != nil {
		return out, 0, err
	}
	if c.Retries != nil {
		if *c.Retries < 0 || *c.Retries > 10 {
			return out, 0, fmt.Errorf("dispatch.retries: must be between 0 and 10, got %d", *c.Retries)
		}
		out.Retries = *c.Retries
	}
	if c.Concurrency < 0 {
		return out, 0, errors.New("dispatch.concurrency: must be >= 0")
	}
	if c.Concurrency > 0 {
		out.Concurrency = c.Concurrency
	}
	for _, s := range c.ServiceAllowlist {
		if s = strings.TrimSpace(s); s != "" {
			out.ServiceAllowlist = append(out.ServiceAllowlist, s)
		}
	}
	mute, err := ParseDurationField("dispatch.default_mute", c.DefaultMute)
	if err != nil {
		return out, 0, err
	}
	return out, mute, nil
}
