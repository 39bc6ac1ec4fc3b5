// Package app wires the engine to its collaborators: the REST client, the
// push transport, the outbox, the resync scheduler and the debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chatsync/internal/resync"
	"chatsync/pkg/api"
	"chatsync/pkg/composer"
	"chatsync/pkg/config"
	"chatsync/pkg/engine"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/outbox"
	"chatsync/pkg/push"
)

// App encapsulates the daemon components and lifecycle.
type App struct {
	eff     config.EffectiveConfigResult
	version string

	client  *api.Client
	outbox  *outbox.Store
	metrics *metrics.Metrics
	engine  *engine.Engine
	source  push.Source
	resync  *resync.Scheduler

	mu     sync.Mutex
	runCtx context.Context
	wg     sync.WaitGroup
}

// New builds every component without starting network activity.
func New(eff config.EffectiveConfigResult, version string) (*App, error) {
	cfg := eff.Config
	if cfg == nil {
		return nil, errors.New("app: no configuration")
	}
	self, err := cfg.SelfIdentity()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{eff: eff, version: version, metrics: metrics.New()}
	a.client, err = api.New(api.Options{
		BaseURL:       cfg.API.BaseURL,
		Token:         cfg.API.Token,
		Timeout:       cfg.API.Timeout.Duration(),
		UploadTimeout: cfg.API.UploadTimeout.Duration(),
	})
	if err != nil {
		return nil, err
	}

	a.outbox, err = outbox.Open(outbox.Options{Path: cfg.Outbox.Path, InMemory: cfg.Outbox.InMemory})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox at %s: %w", cfg.Outbox.Path, err)
	}

	var typing engine.TypingSender
	backoff := push.Backoff{Min: cfg.Push.BackoffMin.Duration(), Max: cfg.Push.BackoffMax.Duration()}
	switch cfg.Push.Transport {
	case config.TransportWebsocket:
		ws := push.NewWebsocketClient(push.WebsocketOptions{
			URL:            cfg.Push.Websocket.URL,
			Token:          cfg.API.Token,
			Self:           self,
			Backoff:        backoff,
			PingInterval:   cfg.Push.Websocket.PingInterval.Duration(),
			TypingInterval: cfg.Push.Websocket.TypingInterval.Duration(),
			ReadLimit:      cfg.Push.Websocket.ReadLimit.Int64(),
			OnConnect:      a.onConnect,
		})
		a.source, typing = ws, ws
	case config.TransportRedis:
		a.source = push.NewRedisSource(push.RedisOptions{
			Address:     cfg.Push.Redis.Address,
			Password:    cfg.Push.Redis.Password,
			Channels:    cfg.Push.Redis.Channels,
			Patterns:    cfg.Push.Redis.Patterns,
			Backoff:     backoff,
			DialTimeout: cfg.Push.Redis.DialTimeout.Duration(),
			OnConnect:   a.onConnect,
		})
	}

	a.engine, err = engine.New(engine.Options{
		Self:          self,
		Backend:       a.client,
		Typing:        typing,
		Outbox:        a.outbox,
		Metrics:       a.metrics,
		QueueCapacity: cfg.Engine.QueueCapacity,
		PageSize:      cfg.Engine.PageSize,
		Debounce:      cfg.Engine.Debounce.Duration(),
		TypingTimeout: cfg.Engine.TypingTimeout.Duration(),
		ListPages:     cfg.Engine.ListPages,
		Location:      loc,
		Composer: composer.Config{
			MaxTextLength:     cfg.Composer.MaxTextLength,
			MaxAttachmentSize: cfg.Composer.MaxAttachmentSize.Int64(),
			MaxAttachments:    cfg.Composer.MaxAttachments,
			UploadConcurrency: cfg.Composer.UploadConcurrency,
		},
	})
	if err != nil {
		_ = a.outbox.Close()
		return nil, err
	}
	return a, nil
}

// Engine returns the wired engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the engine loop, the push source, the resync scheduler and the
// debug server, and blocks until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.printBanner()
	errCh := make(chan error, 3)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()

	if _, err := a.engine.RefreshConversations(ctx, "startup"); err != nil {
		logger.Warn("initial_refresh_failed", "error", err)
	}

	if a.source != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.source.Run(ctx, a.engine); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("push: %w", err)
			}
		}()
	}

	sched, err := resync.Start(ctx, a.eff.Config.Resync, a.engine)
	if err != nil {
		cancel()
		<-engineDone
		return err
	}
	a.resync = sched

	if a.eff.Config.Debug.Enabled {
		srvErr, err := a.startHTTP(ctx)
		if err != nil {
			cancel()
			sched.Stop()
			<-engineDone
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := <-srvErr; err != nil {
				errCh <- fmt.Errorf("debug server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
		logger.Error("component_failed", "error", err)
	}
	cancel()
	sched.Stop()
	a.wg.Wait()
	<-engineDone
	return err
}

// onConnect refreshes the conversation list after a push reconnect, since
// events published while disconnected are lost.
func (a *App) onConnect(reconnect bool) {
	if !reconnect || !a.eff.Config.Resync.OnReconnect {
		return
	}
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.engine.RefreshConversations(ctx, "reconnect"); err != nil {
			logger.Warn("reconnect_refresh_failed", "error", err)
		}
	}()
}

// Close releases the outbox. Call after Run returns.
func (a *App) Close() error {
	if a.outbox == nil {
		return nil
	}
	return a.outbox.Close()
}

func (a *App) printBanner() {
	cfg := a.eff.Config
	items := []string{
		"version: " + a.version,
		"self: " + a.engine.Self().String(),
		"api: " + cfg.API.BaseURL,
		"push: " + cfg.Push.Transport,
	}
	if cfg.Outbox.InMemory {
		items = append(items, "outbox: in-memory")
	} else {
		items = append(items, "outbox: "+a.outbox.Path())
	}
	if cfg.Resync.Enabled {
		items = append(items, "resync: "+cfg.Resync.Cron)
	}
	if cfg.Debug.Enabled {
		items = append(items, "debug: http://"+cfg.Addr())
	}
	if len(a.eff.Sources) > 0 {
		items = append(items, fmt.Sprintf("sources: %v", a.eff.Sources))
	}
	logger.LogConfigSummary("chatsync", items)
}
