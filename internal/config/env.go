package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides. Secrets are usually injected this way rather than
// written into the config file.
const (
	EnvChatToken   = "ABOT_CHAT_TOKEN"
	EnvAPIKeys     = "ABOT_API_KEYS" // comma separated
	EnvMembersURL  = "ABOT_MEMBERS_JSON_URL"
	EnvDataPath    = "ABOT_DATA_PATH"
	EnvMuteTime    = "ABOT_MUTE_TIME" // minutes
	EnvDebug       = "ABOT_IS_DEBUG"
	EnvChatOff     = "ABOT_CHAT_DISABLED"
	EnvNATSURL     = "ABOT_NATS_URL"
	EnvWebhookAddr = "ABOT_API_LISTEN"
	EnvAdminToken  = "ABOT_ADMIN_TOKEN"
)

// ApplyEnv overlays ABOT_* variables onto cfg. lookup is os.LookupEnv in
// production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvChatToken); ok {
		cfg.Chat.Token = v
	}
	if v, ok := get(EnvAPIKeys); ok {
		cfg.Webhook.APIKeys = cfg.Webhook.APIKeys[:0]
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Webhook.APIKeys = append(cfg.Webhook.APIKeys, k)
			}
		}
		cfg.Webhook.Enabled = true
	}
	if v, ok := get(EnvWebhookAddr); ok {
		cfg.Webhook.Listen = v
	}
	if v, ok := get(EnvAdminToken); ok {
		cfg.Admin.Token = v
	}
	if v, ok := get(EnvMembersURL); ok {
		cfg.Members.URL = v
	}
	if v, ok := get(EnvDataPath); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "file"}
		}
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvMuteTime); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: want minutes >= 0, got %q", EnvMuteTime, v)
		}
		cfg.Dispatch.DefaultMute = (time.Duration(n) * time.Minute).String()
	}
	if v, ok := get(EnvDebug); ok {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		if on {
			cfg.Logging.Level = "debug"
		}
	}
	if v, ok := get(EnvChatOff); ok {
		off, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvChatOff, err)
		}
		if off {
			cfg.Chat.Transport = TransportDiscard
		}
	}
	if v, ok := get(EnvNATSURL); ok {
		if cfg.NATS == nil {
			cfg.NATS = &NATSConfig{}
		}
		cfg.NATS.URL = v
	}
	return nil
}
