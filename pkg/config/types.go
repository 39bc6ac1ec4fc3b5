package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	API      APIConfig      `yaml:"api"`
	Push     PushConfig     `yaml:"push"`
	Engine   EngineConfig   `yaml:"engine"`
	Composer ComposerConfig `yaml:"composer"`
	Resync   ResyncConfig   `yaml:"resync"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Debug    DebugConfig    `yaml:"debug"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// IdentityConfig names the current user, as "TYPE:id" or separate fields.
type IdentityConfig struct {
	Self string `yaml:"self"`
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

// APIConfig holds the REST collaborator settings.
type APIConfig struct {
	BaseURL       string   `yaml:"base_url"`
	Token         string   `yaml:"token"`
	Timeout       Duration `yaml:"timeout"`
	UploadTimeout Duration `yaml:"upload_timeout"`
}

// PushConfig selects and configures the push transport.
type PushConfig struct {
	Transport  string          `yaml:"transport"` // websocket | redis | none
	Websocket  WebsocketConfig `yaml:"websocket"`
	Redis      RedisConfig     `yaml:"redis"`
	BackoffMin Duration        `yaml:"backoff_min"`
	BackoffMax Duration        `yaml:"backoff_max"`
}

type WebsocketConfig struct {
	URL            string    `yaml:"url"`
	PingInterval   Duration  `yaml:"ping_interval"`
	TypingInterval Duration  `yaml:"typing_interval"`
	ReadLimit      SizeBytes `yaml:"read_limit"`
}

type RedisConfig struct {
	Address     string   `yaml:"address"`
	Password    string   `yaml:"password"`
	Channels    []string `yaml:"channels"`
	Patterns    []string `yaml:"patterns"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// EngineConfig tunes the engine loop and history paging.
type EngineConfig struct {
	QueueCapacity int      `yaml:"queue_capacity"`
	PageSize      int      `yaml:"page_size"`
	Debounce      Duration `yaml:"debounce"`
	TypingTimeout Duration `yaml:"typing_timeout"`
	ListPages     int      `yaml:"list_pages"`
	Timezone      string   `yaml:"timezone"`
}

// ComposerConfig holds draft limits.
type ComposerConfig struct {
	MaxTextLength     int       `yaml:"max_text_length"`
	MaxAttachmentSize SizeBytes `yaml:"max_attachment_size"`
	MaxAttachments    int       `yaml:"max_attachments"`
	UploadConcurrency int       `yaml:"upload_concurrency"`
}

// ResyncConfig schedules conversation list refreshes.
type ResyncConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Cron        string `yaml:"cron"`
	OnReconnect bool   `yaml:"on_reconnect"`
}

// OutboxConfig locates the failed-send store.
type OutboxConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// DebugConfig holds the local debug HTTP server settings.
type DebugConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Addr returns host:port for the debug server.
func (c *Config) Addr() string {
	addr := c.Debug.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	p := c.Debug.Port
	if p == 0 {
		p = 7070
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// SizeBytes is a byte count read from strings like "25MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(s)), nil
}

// ParseSize parses "25MB", "1 MiB" or "1048576".
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration reads strings like "250ms" or plain numbers as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses "250ms", "2m" or "1.5" (seconds).
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
