package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config is the root configuration for relaybot.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "24h").
// Fields left zero fall back to the documented defaults.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Telegram  TelegramConfig  `json:"telegram"`
	Registrar RegistrarConfig `json:"registrar,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Probe     ProbeConfig     `json:"probe,omitempty"`
	RateLimit RateLimitConfig `json:"ratelimit,omitempty"`
	Webhook   WebhookConfig   `json:"webhook,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type ServerConfig struct {
	// Listen is the HTTP listen address (host:port).
	Listen string `json:"listen,omitempty"`
	// PublicURL is the externally reachable base URL used to build the
	// Telegram webhook callback (https required by Telegram).
	PublicURL string `json:"public_url"`
	// AdminToken guards the administrative cache endpoints when set.
	// An empty token leaves them open and is warned about at startup.
	AdminToken string `json:"admin_token,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// WebhookSecret is the secret path segment Telegram will call.
	// Defaults to the bot token (the classic pattern) when empty.
	WebhookSecret string `json:"webhook_secret,omitempty"`
	// SendRatePerSec paces outbound sendMessage calls.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type RegistrarConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
}

type DedupConfig struct {
	// Window suppresses repeat notifications for the same key.
	Window string `json:"window,omitempty"`
	// Retention controls when swept records become eligible for eviction.
	Retention string `json:"retention,omitempty"`
	// SweepEvery is the sweep interval.
	SweepEvery string `json:"sweep_every,omitempty"`
}

type ProbeConfig struct {
	Every string `json:"every,omitempty"`
	// URL overrides the probe target; defaults to the local listener.
	URL string `json:"url,omitempty"`
}

type RateLimitConfig struct {
	Window string `json:"window,omitempty"`
	Max    int    `json:"max,omitempty"`
}

type WebhookConfig struct {
	// ProcessTimeout bounds inbound update handling before the HTTP
	// caller gets a 504. The handler context is cancelled on expiry.
	ProcessTimeout string `json:"process_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./relaybot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// Defaults.
const (
	DefaultListen         = ":3000"
	DefaultMaxRetries     = 10
	DefaultRetryDelay     = 5 * time.Second
	DefaultDedupWindow    = 24 * time.Hour
	DefaultRetention      = 7 * 24 * time.Hour
	DefaultSweepEvery     = time.Hour
	DefaultProbeEvery     = 60 * time.Second
	DefaultRateWindow     = 15 * time.Minute
	DefaultRateMax        = 100
	DefaultProcessTimeout = 10 * time.Second
	DefaultSendRatePerSec = 25
)

func (c ServerConfig) ListenAddr() string {
	if strings.TrimSpace(c.Listen) == "" {
		return DefaultListen
	}
	return c.Listen
}

func (c TelegramConfig) Secret() string {
	if s := strings.TrimSpace(c.WebhookSecret); s != "" {
		return s
	}
	return strings.TrimSpace(c.Token)
}

func (c TelegramConfig) SendRate() int {
	if c.SendRatePerSec <= 0 {
		return DefaultSendRatePerSec
	}
	return c.SendRatePerSec
}

func (c RegistrarConfig) Retries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c RegistrarConfig) Delay() (time.Duration, error) {
	return durationOrDefault("registrar.retry_delay", c.RetryDelay, DefaultRetryDelay)
}

func (c DedupConfig) WindowDuration() (time.Duration, error) {
	return durationOrDefault("dedup.window", c.Window, DefaultDedupWindow)
}

func (c DedupConfig) RetentionDuration() (time.Duration, error) {
	return durationOrDefault("dedup.retention", c.Retention, DefaultRetention)
}

func (c DedupConfig) SweepInterval() (time.Duration, error) {
	return durationOrDefault("dedup.sweep_every", c.SweepEvery, DefaultSweepEvery)
}

func (c ProbeConfig) Interval() (time.Duration, error) {
	return durationOrDefault("probe.every", c.Every, DefaultProbeEvery)
}

func (c RateLimitConfig) WindowDuration() (time.Duration, error) {
	return durationOrDefault("ratelimit.window", c.Window, DefaultRateWindow)
}

func (c RateLimitConfig) MaxRequests() int {
	if c.Max <= 0 {
		return DefaultRateMax
	}
	return c.Max
}

func (c WebhookConfig) Timeout() (time.Duration, error) {
	return durationOrDefault("webhook.process_timeout", c.ProcessTimeout, DefaultProcessTimeout)
}

func (c LoggingConfig) ConsoleEnabled() bool {
	if c.Console == nil {
		return true
	}
	return *c.Console
}

func (c *StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	return durationField("storage.busy_timeout", c.BusyTimeout)
}

// ApplyEnv overlays environment variables onto the loaded config.
// Env wins over file values so secrets can stay out of the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RELAYBOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("RELAYBOT_WEBHOOK_SECRET"); v != "" {
		c.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("RELAYBOT_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("RELAYBOT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("RELAYBOT_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
}

// Validate checks fields that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required (or RELAYBOT_TOKEN)")
	}
	if pub := strings.TrimSpace(c.Server.PublicURL); pub != "" {
		u, err := url.Parse(pub)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.public_url %q is not a valid URL", pub)
		}
	}
	// Surface bad duration strings at load time.
	checks := []func() error{
		func() error { _, err := c.Registrar.Delay(); return err },
		func() error { _, err := c.Dedup.WindowDuration(); return err },
		func() error { _, err := c.Dedup.RetentionDuration(); return err },
		func() error { _, err := c.Dedup.SweepInterval(); return err },
		func() error { _, err := c.Probe.Interval(); return err },
		func() error { _, err := c.RateLimit.WindowDuration(); return err },
		func() error { _, err := c.Webhook.Timeout(); return err },
		func() error { _, err := c.Storage.BusyTimeoutDuration(); return err },
	}
	for _, fn := range checks {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func durationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := durationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
