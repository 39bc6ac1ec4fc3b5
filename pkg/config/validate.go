package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/models"
)

const (
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
	TransportNone      = "none"

	DefaultResyncCron = "*/15 * * * *"
)

// SelfIdentity resolves the configured current user.
func (c *Config) SelfIdentity() (models.Identity, error) {
	if s := strings.TrimSpace(c.Identity.Self); s != "" {
		return models.ParseIdentity(s)
	}
	id := models.Identity{ID: c.Identity.ID, Type: models.ParticipantType(strings.ToUpper(c.Identity.Type))}
	if id.Type == "" {
		id.Type = models.ParticipantUser
	}
	if id.ID == "" || !id.Type.Valid() {
		return models.Identity{}, errors.New("identity is required: set identity.self as TYPE:id")
	}
	return id, nil
}

// Location resolves engine.timezone, defaulting to the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Engine.Timezone)
}

// ValidateConfig fills defaults in place and fails fast on settings the
// daemon cannot run with.
func ValidateConfig(c *Config) error {
	var errs []error
	if _, err := c.SelfIdentity(); err != nil {
		errs = append(errs, err)
	}

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = Duration(15 * time.Second)
	}
	if c.API.UploadTimeout <= 0 {
		c.API.UploadTimeout = Duration(2 * time.Minute)
	}

	c.Push.Transport = strings.ToLower(strings.TrimSpace(c.Push.Transport))
	switch c.Push.Transport {
	case "":
		c.Push.Transport = TransportWebsocket
		fallthrough
	case TransportWebsocket:
		if c.Push.Websocket.URL == "" {
			errs = append(errs, errors.New("push.websocket.url is required for the websocket transport"))
		}
	case TransportRedis:
		if c.Push.Redis.Address == "" {
			errs = append(errs, errors.New("push.redis.address is required for the redis transport"))
		}
		if len(c.Push.Redis.Channels) == 0 && len(c.Push.Redis.Patterns) == 0 {
			errs = append(errs, errors.New("push.redis needs at least one channel or pattern"))
		}
	case TransportNone:
	default:
		errs = append(errs, fmt.Errorf("push.transport %q: want websocket, redis or none", c.Push.Transport))
	}

	if c.Engine.QueueCapacity < 0 || c.Engine.PageSize < 0 || c.Engine.ListPages < 0 {
		errs = append(errs, errors.New("engine capacities must not be negative"))
	}
	if c.Engine.QueueCapacity == 0 {
		c.Engine.QueueCapacity = 1024
	}
	if c.Engine.Debounce == 0 {
		c.Engine.Debounce = Duration(300 * time.Millisecond)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}

	if c.Composer.MaxAttachmentSize < 0 || c.Composer.MaxAttachments < 0 || c.Composer.MaxTextLength < 0 {
		errs = append(errs, errors.New("composer limits must not be negative"))
	}

	if c.Resync.Enabled {
		if c.Resync.Cron == "" {
			c.Resync.Cron = DefaultResyncCron
		}
		if !gronx.IsValid(c.Resync.Cron) {
			errs = append(errs, fmt.Errorf("resync.cron %q is not a valid cron expression", c.Resync.Cron))
		}
	}

	if c.Outbox.Path == "" && !c.Outbox.InMemory {
		c.Outbox.Path = "./.chatsync/outbox"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return errors.Join(errs...)
}
