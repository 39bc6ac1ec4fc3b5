// Package config loads the daemon configuration from a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATSYNC_"

// Flags carries command-line values and which of them were set.
type Flags struct {
	Config  string
	Self    string
	BaseURL string
	Debug   string
	Outbox  string
	Level   string
	Set     map[string]bool
}

// EffectiveConfigResult is the merged configuration and where it came from.
type EffectiveConfigResult struct {
	Config *Config
	Path   string
	// Sources lists the layers that contributed: "config", "env", "flags".
	Sources []string
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath picks the flag value when set, else CHATSYNC_CONFIG,
// else the flag default.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ApplyEnv overlays CHATSYNC_* variables onto cfg and reports whether any
// was present. Malformed numeric values are errors.
func ApplyEnv(cfg *Config) (bool, error) {
	used := false
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
			used = true
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
			used = true
		}
	}
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
			used = true
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = parseBool(v)
			used = true
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = parseList(v)
			used = true
		}
	}

	str("SELF", &cfg.Identity.Self)
	str("API_BASE_URL", &cfg.API.BaseURL)
	str("API_TOKEN", &cfg.API.Token)
	dur("API_TIMEOUT", &cfg.API.Timeout)
	dur("API_UPLOAD_TIMEOUT", &cfg.API.UploadTimeout)

	str("PUSH_TRANSPORT", &cfg.Push.Transport)
	str("PUSH_WS_URL", &cfg.Push.Websocket.URL)
	str("PUSH_REDIS_ADDRESS", &cfg.Push.Redis.Address)
	str("PUSH_REDIS_PASSWORD", &cfg.Push.Redis.Password)
	list("PUSH_REDIS_CHANNELS", &cfg.Push.Redis.Channels)
	list("PUSH_REDIS_PATTERNS", &cfg.Push.Redis.Patterns)

	num("ENGINE_QUEUE_CAPACITY", &cfg.Engine.QueueCapacity)
	num("ENGINE_PAGE_SIZE", &cfg.Engine.PageSize)
	dur("ENGINE_DEBOUNCE", &cfg.Engine.Debounce)
	dur("ENGINE_TYPING_TIMEOUT", &cfg.Engine.TypingTimeout)
	str("ENGINE_TIMEZONE", &cfg.Engine.Timezone)

	if v := os.Getenv(envPrefix + "COMPOSER_MAX_ATTACHMENT_SIZE"); v != "" {
		s, err := ParseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCOMPOSER_MAX_ATTACHMENT_SIZE: %w", envPrefix, err))
		} else {
			cfg.Composer.MaxAttachmentSize = s
			used = true
		}
	}

	boolean("RESYNC_ENABLED", &cfg.Resync.Enabled)
	str("RESYNC_CRON", &cfg.Resync.Cron)
	str("OUTBOX_PATH", &cfg.Outbox.Path)
	boolean("OUTBOX_IN_MEMORY", &cfg.Outbox.InMemory)
	boolean("DEBUG_ENABLED", &cfg.Debug.Enabled)
	if v := os.Getenv(envPrefix + "DEBUG_ADDR"); v != "" {
		if err := setHostPort(&cfg.Debug, v); err != nil {
			errs = append(errs, fmt.Errorf("%sDEBUG_ADDR: %w", envPrefix, err))
		} else {
			used = true
		}
	}
	str("LOG_LEVEL", &cfg.Logging.Level)
	return used, errors.Join(errs...)
}

func setHostPort(d *DebugConfig, v string) error {
	h, p, err := net.SplitHostPort(v)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return err
	}
	d.Address, d.Port = h, port
	d.Enabled = true
	return nil
}

// ApplyFlags overlays the flags that were set.
func ApplyFlags(cfg *Config, f Flags) error {
	if f.Set["self"] {
		cfg.Identity.Self = f.Self
	}
	if f.Set["api"] {
		cfg.API.BaseURL = f.BaseURL
	}
	if f.Set["debug-addr"] {
		if err := setHostPort(&cfg.Debug, f.Debug); err != nil {
			return fmt.Errorf("--debug-addr: %w", err)
		}
	}
	if f.Set["outbox"] {
		cfg.Outbox.Path = f.Outbox
		cfg.Outbox.InMemory = false
	}
	if f.Set["log-level"] {
		cfg.Logging.Level = f.Level
	}
	return nil
}

// LoadEffectiveConfig merges file, environment and flags, fills defaults
// and validates the result. A config file named explicitly by flag must
// exist; the default path may be missing.
func LoadEffectiveConfig(f Flags) (EffectiveConfigResult, error) {
	res := EffectiveConfigResult{Path: ResolveConfigPath(f.Config, f.Set["config"])}
	cfg, err := Load(res.Path)
	switch {
	case err == nil:
		res.Sources = append(res.Sources, "config")
	case errors.Is(err, fs.ErrNotExist) && !f.Set["config"]:
		cfg = &Config{}
	case errors.Is(err, fs.ErrNotExist):
		return res, fmt.Errorf("config file not found: %s", res.Path)
	default:
		return res, err
	}

	used, err := ApplyEnv(cfg)
	if err != nil {
		return res, err
	}
	if used {
		res.Sources = append(res.Sources, "env")
	}
	if err := ApplyFlags(cfg, f); err != nil {
		return res, err
	}
	for name, set := range f.Set {
		if set && name != "config" {
			res.Sources = append(res.Sources, "flags")
			break
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return res, err
	}
	res.Config = cfg
	return res, nil
}
