// Package core wires the configuration, storage, transport and
// services together and owns their lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"heraldbot/internal/config"
	"heraldbot/internal/httpapi"
	"heraldbot/internal/services/autoreply"
	"heraldbot/internal/services/broadcast"
	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/internal/transport/telegram"
	"heraldbot/pkg/groq"
	"heraldbot/pkg/logx"
)

const defaultAPIKeyEnv = "GROQ_API_KEY"

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store   store.Store
	adapter *telegram.Adapter

	bcast    *broadcast.Service
	autoRep  *autoreply.Service
	dispatch *dispatch.Service

	httpSrv *http.Server

	cfgSub  chan *config.Config
	inbound chan transport.Message

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		logs.Close()
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	adapter, err := telegram.New(cfg.Telegram, log.With(logx.String("comp", "telegram")))
	if err != nil {
		st.Close()
		logs.Close()
		return nil, err
	}

	ai := buildAIClient(cfg.Enhancer, log)

	bcast := broadcast.New(adapter, cfg.Broadcast, log.With(logx.String("comp", "broadcast")))

	var enhancer dispatch.Enhancer
	var generator autoreply.Generator
	if ai != nil {
		enhancer = ai
		generator = ai
	}

	disp := dispatch.New(st, bcast, enhancer, cfg.Scheduler,
		log.With(logx.String("comp", "dispatch")))

	var autoRep *autoreply.Service
	if generator != nil {
		autoRep = autoreply.New(adapter, generator, cfg.AutoReply,
			log.With(logx.String("comp", "autoreply")))
	}

	app := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		store:    st,
		adapter:  adapter,
		bcast:    bcast,
		autoRep:  autoRep,
		dispatch: disp,
		inbound:  make(chan transport.Message, 256),
	}

	if cfg.HTTP.Addr != "" {
		api := httpapi.New(st, bcast, enhancer, cfg.HTTP, log.With(logx.String("comp", "http")))
		app.httpSrv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return app, nil
}

func buildAIClient(cfg config.EnhancerConfig, log logx.Logger) *groq.Client {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		log.Warn("ai features disabled, api key not set", logx.String("env", keyEnv))
		return nil
	}
	timeout, _ := config.ParseDurationField("enhancer.timeout", cfg.Timeout)
	return groq.NewClient(key,
		groq.WithBaseURL(cfg.BaseURL),
		groq.WithModel(cfg.Model),
		groq.WithTimeout(timeout),
	)
}

func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Config hot reload.
	a.cfgSub = a.cfgm.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg := <-a.cfgSub:
				if cfg == nil {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	// Transport and auto-reply pipeline.
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.adapter.Start(runCtx, a.inbound); err != nil && runCtx.Err() == nil {
			a.log.Error("transport stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg := <-a.inbound:
				if a.autoRep != nil {
					a.autoRep.HandleMessage(runCtx, msg)
				}
			}
		}
	}()

	// Scheduled dispatch.
	if a.cfgm.Get().Scheduler.IsEnabled() {
		if err := a.dispatch.Start(runCtx); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled by config")
	}

	// HTTP API.
	if a.httpSrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.log.Info("http api listening", logx.String("addr", a.httpSrv.Addr))
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("http server failed", logx.Err(err))
			}
		}()
	}

	a.log.Info("started")
	return nil
}

// Stop shuts components down in dependency order: no new work first,
// then in-flight work, then the sinks everything logs and writes to.
func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	a.dispatch.Stop()
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
	}
	if a.autoRep != nil {
		a.autoRep.Stop()
	}
	a.bcast.Wait()

	a.cancel()
	a.adapter.Stop()
	a.wg.Wait()
	a.cfgm.Unsubscribe(a.cfgSub)

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}
	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *App) applyConfig(cfg *config.Config) {
	a.bcast.Apply(cfg.Broadcast)
	if a.autoRep != nil {
		a.autoRep.Apply(cfg.AutoReply)
	}
	a.log.Info("config reloaded")
}
