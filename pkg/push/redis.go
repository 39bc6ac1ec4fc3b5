package push

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"

	"chatsync/pkg/logger"
)

type RedisOptions struct {
	Network  string
	Address  string
	Password string
	// Channels are subscribed with SUBSCRIBE; Patterns with PSUBSCRIBE.
	Channels []string
	Patterns []string
	Backoff  Backoff
	// DialTimeout bounds connect and the initial subscribe.
	DialTimeout time.Duration
	OnConnect   func(reconnect bool)
}

// RedisSource subscribes to redis pub/sub channels carrying push envelopes.
type RedisSource struct {
	opts RedisOptions
}

func NewRedisSource(opts RedisOptions) *RedisSource {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &RedisSource{opts: opts}
}

// Run implements Source.
func (s *RedisSource) Run(ctx context.Context, sink Sink) error {
	if len(s.opts.Channels) == 0 && len(s.opts.Patterns) == 0 {
		return errors.New("redis push source has no channels")
	}
	return reconnectLoop(ctx, "redis", s.opts.Backoff, func(ctx context.Context, attempt int) error {
		return s.session(ctx, sink, attempt > 0)
	})
}

func (s *RedisSource) dial(ctx context.Context) (redis.Conn, error) {
	opts := []redis.DialOption{redis.DialConnectTimeout(s.opts.DialTimeout)}
	if s.opts.Password != "" {
		opts = append(opts, redis.DialPassword(s.opts.Password))
	}
	return redis.DialContext(ctx, s.opts.Network, s.opts.Address, opts...)
}

func toArgs(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}

func (s *RedisSource) session(ctx context.Context, sink Sink, reconnect bool) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	psc := redis.PubSubConn{Conn: conn}
	defer psc.Close()

	if len(s.opts.Channels) > 0 {
		if err := psc.Subscribe(toArgs(s.opts.Channels)...); err != nil {
			return err
		}
	}
	if len(s.opts.Patterns) > 0 {
		if err := psc.PSubscribe(toArgs(s.opts.Patterns)...); err != nil {
			return err
		}
	}
	logger.Info("push_connected", "source", "redis", "address", s.opts.Address,
		"channels", s.opts.Channels, "patterns", s.opts.Patterns, "reconnect", reconnect)
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(reconnect)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks Receive
			_ = psc.Close()
		case <-done:
		}
	}()

	for {
		switch n := psc.Receive().(type) {
		case redis.Message:
			deliver("redis", n.Data, sink)
		case redis.Subscription:
			if n.Count == 0 {
				return errors.New("redis push source unsubscribed from everything")
			}
		case error:
			return n
		}
	}
}
