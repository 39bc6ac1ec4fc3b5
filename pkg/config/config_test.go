package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"chatsync/pkg/models"
)

const sample = `
identity:
  self: ADMIN:ops-1
api:
  base_url: https://chat.example.com/api
  timeout: 5s
push:
  transport: redis
  redis:
    address: 127.0.0.1:6379
    channels: [chat.events]
engine:
  page_size: 40
  debounce: 0.5
composer:
  max_attachment_size: 10MB
resync:
  enabled: true
  cron: "0 * * * *"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadEffectiveConfig_FileEnvFlags(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("CHATSYNC_ENGINE_PAGE_SIZE", "60")
	t.Setenv("CHATSYNC_API_TOKEN", "secret")

	res, err := LoadEffectiveConfig(Flags{
		Config: path,
		Debug:  "127.0.0.1:9000",
		Set:    map[string]bool{"config": true, "debug-addr": true},
	})
	require.NoError(t, err)
	cfg := res.Config
	assert.Equal(t, []string{"config", "env", "flags"}, res.Sources)

	self, err := cfg.SelfIdentity()
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "ops-1", Type: models.ParticipantAdmin}, self)
	assert.Equal(t, 60, cfg.Engine.PageSize, "env beats file")
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout.Duration())
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.Debounce.Duration())
	assert.Equal(t, int64(10_000_000), cfg.Composer.MaxAttachmentSize.Int64())
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.True(t, cfg.Debug.Enabled)
	assert.Equal(t, 1024, cfg.Engine.QueueCapacity, "default filled")
}

func TestLoadEffectiveConfig_MissingFile(t *testing.T) {
	_, err := LoadEffectiveConfig(Flags{Config: "/nonexistent/chatsync.yaml", Set: map[string]bool{"config": true}})
	assert.ErrorContains(t, err, "config file not found")

	t.Setenv("CHATSYNC_SELF", "u1")
	t.Setenv("CHATSYNC_API_BASE_URL", "http://localhost:8080")
	t.Setenv("CHATSYNC_PUSH_TRANSPORT", "none")
	res, err := LoadEffectiveConfig(Flags{Config: "/nonexistent/chatsync.yaml", Set: map[string]bool{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"env"}, res.Sources)
	assert.Equal(t, "./.chatsync/outbox", res.Config.Outbox.Path)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no identity", mutate: func(c *Config) { c.Identity.Self = "" }, wantErr: "identity is required"},
		{name: "relative url", mutate: func(c *Config) { c.API.BaseURL = "/api" }, wantErr: "not an absolute URL"},
		{name: "bad transport", mutate: func(c *Config) { c.Push.Transport = "carrier-pigeon" }, wantErr: "push.transport"},
		{name: "websocket without url", mutate: func(c *Config) { c.Push.Transport = "websocket" }, wantErr: "push.websocket.url"},
		{name: "bad cron", mutate: func(c *Config) { c.Resync.Enabled = true; c.Resync.Cron = "every day" }, wantErr: "resync.cron"},
		{name: "bad timezone", mutate: func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }, wantErr: "engine.timezone"},
		{name: "negative page", mutate: func(c *Config) { c.Engine.PageSize = -1 }, wantErr: "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{}
			c.Identity.Self = "USER:u1"
			c.API.BaseURL = "https://chat.example.com"
			c.Push.Transport = "none"
			tt.mutate(c)
			err := ValidateConfig(c)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestResyncCronDefault(t *testing.T) {
	c := &Config{}
	c.Identity.Self = "u1"
	c.API.BaseURL = "https://chat.example.com"
	c.Push.Transport = "none"
	c.Resync.Enabled = true
	require.NoError(t, ValidateConfig(c))
	assert.Equal(t, DefaultResyncCron, c.Resync.Cron)
}

func TestDurationAndSizeYAML(t *testing.T) {
	var v struct {
		D Duration  `yaml:"d"`
		S SizeBytes `yaml:"s"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 250ms\ns: 2 MiB\n"), &v))
	assert.Equal(t, 250*time.Millisecond, v.D.Duration())
	assert.Equal(t, int64(2<<20), v.S.Int64())

	assert.Error(t, yaml.Unmarshal([]byte("d: soon\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("s: lots\n"), &v))
}
