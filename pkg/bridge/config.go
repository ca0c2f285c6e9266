// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// DatabaseConfig selects the durable store backing the mapping caches.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// ChatGatewayConfig points at the chat-platform HTTP gateway.
type ChatGatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Session string `yaml:"session"`
}

// TopicAPIConfig points at the topic-platform bot API.
type TopicAPIConfig struct {
	BaseURL  string `yaml:"base_url"`
	BotToken string `yaml:"bot_token"`
	// SpaceID is the community space holding all bridged topics.
	SpaceID int64 `yaml:"space_id"`
}

// AccessConfig seeds the authorization set. Default-deny: only the owner and
// allow-listed IDs pass the gate, minus the block list.
type AccessConfig struct {
	Owner string   `yaml:"owner"`
	Allow []string `yaml:"allow"`
	Block []string `yaml:"block"`
}

// RateLimitConfig is the fixed-window counter configuration.
type RateLimitConfig struct {
	MaxCount int `yaml:"max_count"`
	WindowMS int `yaml:"window_ms"`
}

// Window returns the configured window duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// QueuePolicy selects the backpressure behavior of a full queue.
type QueuePolicy string

const (
	// QueueReject refuses new work with a user-visible busy signal.
	QueueReject QueuePolicy = "reject"
	// QueueDropOldest evicts the oldest queued task and counts the drop.
	QueueDropOldest QueuePolicy = "drop_oldest"
)

// QueueConfig bounds the ordered processing queue.
type QueueConfig struct {
	Size   int         `yaml:"size"`
	Policy QueuePolicy `yaml:"policy"`
}

// SpecialThread is a thread with a fixed topic name and icon that skips the
// welcome message (status broadcasts, call logs).
type SpecialThread struct {
	Name string `yaml:"name"`
	Icon string `yaml:"icon"`
}

// PresenceConfig tunes the debounced side effects.
type PresenceConfig struct {
	TypingPauseSeconds int `yaml:"typing_pause_seconds"`
	ReadReceiptSeconds int `yaml:"read_receipt_seconds"`
	CallDedupeSeconds  int `yaml:"call_dedupe_seconds"`
	ContactSyncMinutes int `yaml:"contact_sync_minutes"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	OutboundPerSecond  int `yaml:"outbound_per_second"`
	OutboundBurst      int `yaml:"outbound_burst"`
}

// Config is the full bridge configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	ChatGateway ChatGatewayConfig `yaml:"chat_gateway"`
	TopicAPI    TopicAPIConfig    `yaml:"topic_api"`
	Access      AccessConfig      `yaml:"access"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Queue       QueueConfig       `yaml:"queue"`
	Presence    PresenceConfig    `yaml:"presence"`

	// AdminAPIAddr is the listen address of the admin/metrics HTTP server.
	AdminAPIAddr string `yaml:"admin_api_addr"`
	// PinWelcome pins the welcome message in newly created topics.
	PinWelcome bool `yaml:"pin_welcome"`
	// CrossRefMaxEntries caps the in-memory cross-reference index; the
	// oldest pairing is evicted when the cap is reached. Zero disables
	// eviction.
	CrossRefMaxEntries int `yaml:"crossref_max_entries"`
	// SpecialThreads maps raw thread identifiers to fixed topic
	// names/icons. Status and call-log threads are added automatically.
	SpecialThreads map[string]SpecialThread `yaml:"special_threads"`
}

// LoadConfig reads and validates a YAML config file. A missing file is not
// handled here; cmd writes the example config in that case.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// placeholderValue reports whether a credential still carries an
// example-config placeholder.
func placeholderValue(v string) bool {
	v = strings.ToLower(v)
	return v == "" || strings.Contains(v, "your-") || strings.Contains(v, "example.")
}

// PostProcess validates the configuration and fills defaults. Placeholder or
// missing credentials are fatal: the engine must not initialize partially.
func (c *Config) PostProcess() error {
	if placeholderValue(c.ChatGateway.BaseURL) {
		return &ConfigError{Field: "chat_gateway.base_url", Reason: "missing or placeholder value"}
	}
	if placeholderValue(c.ChatGateway.APIKey) {
		return &ConfigError{Field: "chat_gateway.api_key", Reason: "missing or placeholder value"}
	}
	if placeholderValue(c.TopicAPI.BotToken) {
		return &ConfigError{Field: "topic_api.bot_token", Reason: "missing or placeholder value"}
	}
	if c.TopicAPI.SpaceID == 0 {
		return &ConfigError{Field: "topic_api.space_id", Reason: "must be set"}
	}
	if c.Access.Owner == "" {
		return &ConfigError{Field: "access.owner", Reason: "must be set"}
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite3"
	}
	if c.Database.URI == "" {
		c.Database.URI = "threadbridge.db"
	}
	if c.RateLimit.MaxCount <= 0 {
		c.RateLimit.MaxCount = 20
	}
	if c.RateLimit.WindowMS <= 0 {
		c.RateLimit.WindowMS = 60_000
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 512
	}
	switch c.Queue.Policy {
	case QueueReject, QueueDropOldest:
	case "":
		c.Queue.Policy = QueueReject
	default:
		return &ConfigError{Field: "queue.policy", Reason: fmt.Sprintf("unknown policy %q", c.Queue.Policy)}
	}
	if c.Presence.TypingPauseSeconds <= 0 {
		c.Presence.TypingPauseSeconds = 5
	}
	if c.Presence.ReadReceiptSeconds <= 0 {
		c.Presence.ReadReceiptSeconds = 3
	}
	if c.Presence.CallDedupeSeconds <= 0 {
		c.Presence.CallDedupeSeconds = 30
	}
	if c.Presence.ContactSyncMinutes <= 0 {
		c.Presence.ContactSyncMinutes = 60
	}
	if c.Presence.CallTimeoutSeconds <= 0 {
		c.Presence.CallTimeoutSeconds = 30
	}
	if c.Presence.OutboundPerSecond <= 0 {
		c.Presence.OutboundPerSecond = 20
	}
	if c.Presence.OutboundBurst <= 0 {
		c.Presence.OutboundBurst = 5
	}
	if c.CrossRefMaxEntries < 0 {
		return &ConfigError{Field: "crossref_max_entries", Reason: "must not be negative"}
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = ":29340"
	}

	if c.SpecialThreads == nil {
		c.SpecialThreads = make(map[string]SpecialThread)
	}
	if _, ok := c.SpecialThreads[StatusThreadID]; !ok {
		c.SpecialThreads[StatusThreadID] = SpecialThread{Name: "Status Updates", Icon: "\U0001f4e2"}
	}
	if _, ok := c.SpecialThreads[CallLogThreadID]; !ok {
		c.SpecialThreads[CallLogThreadID] = SpecialThread{Name: "Call Log", Icon: "\U0001f4de"}
	}
	return nil
}

// CallTimeout returns the deadline attached to every external platform call.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Presence.CallTimeoutSeconds) * time.Second
}
