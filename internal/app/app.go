package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"castbot/internal/api"
	"castbot/internal/config"
	"castbot/internal/dispatch"
	"castbot/internal/session"
	"castbot/internal/storage"
	"castbot/internal/transport"
	"castbot/internal/transport/telegram"
	"castbot/internal/transport/whatsapp"
	logx "castbot/pkg/logx"
)

// Options supply the build-time collaborators a config file cannot express.
type Options struct {
	// WhatsAppDialer plugs in the external protocol implementation. Required
	// when transport.driver is "whatsapp".
	WhatsAppDialer whatsapp.Dialer

	// InitCreds bootstraps fresh credentials when none are persisted.
	InitCreds session.InitCreds
}

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store storage.Store
	keys  *session.Keys

	sender transport.Sender
	wa     *whatsapp.Supervisor // nil for the telegram driver

	disp *dispatch.Service
	api  *api.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	cfgCh  chan *config.Config
	wg     sync.WaitGroup
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	keys := session.New(store, log.With(logx.String("comp", "session")), opts.InitCreds)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		store:   store,
		keys:    keys,
	}

	if err := a.buildSender(cfg, opts); err != nil {
		_ = store.Close()
		return nil, err
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.disp = dispatch.New(dispCfg, store, a.sender, log.With(logx.String("comp", "dispatch")))

	a.api = api.NewServer(
		log.With(logx.String("comp", "api")),
		api.NewHandlers(store, a.disp, log.With(logx.String("comp", "api"))),
	)

	return a, nil
}

func (a *App) buildSender(cfg *config.Config, opts Options) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "telegram":
		tg := cfg.Transport.Telegram
		if tg == nil {
			return errors.New("transport.telegram config missing")
		}
		snd, err := telegram.New(telegram.Config{Token: tg.Token}, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.sender = snd
	case "whatsapp", "":
		if opts.WhatsAppDialer == nil {
			return errors.New("whatsapp driver selected but no dialer supplied")
		}
		wcfg, err := mapWhatsAppConfig(cfg)
		if err != nil {
			return err
		}
		a.wa = whatsapp.NewSupervisor(wcfg, opts.WhatsAppDialer, a.keys, a.log.With(logx.String("comp", "whatsapp")))
		a.sender = a.wa
	default:
		return fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
	return nil
}

// SessionKeys exposes the durable session store (the protocol dialer reads
// and mutates it through the auth state).
func (a *App) SessionKeys() *session.Keys { return a.keys }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return errors.New("no config loaded")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if a.wa != nil {
		a.wa.Start(runCtx)
	}
	a.disp.Start(runCtx)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}
	a.api.Apply(runCtx, apiCfg)

	// Config hot reload: watch the file, re-apply runtime knobs on change.
	a.cfgCh = a.cfgm.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx)
	}()

	a.log.Info("started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok || cfg == nil {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if dispCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("dispatch config rejected on reload", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
	}

	if apiCfg, err := mapAPIConfig(cfg); err != nil {
		a.log.Warn("api config rejected on reload", logx.Err(err))
	} else {
		a.api.Apply(ctx, apiCfg)
	}
	// Transport driver and storage path changes need a restart.
}

func (a *App) Stop(ctx context.Context) error {
	a.api.Stop(ctx)
	a.disp.Stop(ctx)
	if a.wa != nil {
		a.wa.Stop(ctx)
	}

	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}

	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// ---- config mapping ----

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:     cfg.Dispatch.Enabled,
		Timezone:    cfg.Dispatch.Timezone,
		TickSpec:    cfg.Dispatch.TickSpec,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: sendTimeout,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         cfg.API.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, nil
}

func mapWhatsAppConfig(cfg *config.Config) (whatsapp.Config, error) {
	var raw config.WhatsAppConfig
	if cfg.Transport.WhatsApp != nil {
		raw = *cfg.Transport.WhatsApp
	}
	base, err := config.ParseDurationOrDefault("transport.whatsapp.reconnect_base", raw.ReconnectBase, time.Second)
	if err != nil {
		return whatsapp.Config{}, err
	}
	maxD, err := config.ParseDurationOrDefault("transport.whatsapp.reconnect_max", raw.ReconnectMax, time.Minute)
	if err != nil {
		return whatsapp.Config{}, err
	}
	return whatsapp.Config{ReconnectBase: base, ReconnectMax: maxD}, nil
}
