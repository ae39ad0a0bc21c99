// Package app wires the exporter together: config, logging, the measurement
// backend, the metrics registry and the HTTP server.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/config"
	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/metrics"
	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/server"
	"github.com/martinbrose/cloudflare-speedtest-exporter/internal/speedtest"
	"github.com/martinbrose/cloudflare-speedtest-exporter/pkg/logx"
)

// measurer is what the app needs from a backend beyond Measurer: a hot
// reloadable timeout.
type measurer interface {
	speedtest.Measurer
	SetTimeout(time.Duration)
}

type App struct {
	cfgPath string
	manager *config.Manager

	logs *logx.Service
	log  logx.Logger

	registry *metrics.Registry
	runner   measurer
	srv      *server.Server
	bindAddr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads config, sets up logging and the selected measurement backend.
// With the cli backend, a missing binary is fatal here: serving a
// guaranteed-broken endpoint helps nobody.
func New(cfgPath string) (*App, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	manager.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgPath,
		manager: manager,
		logs:    logs,
		log:     log,
	}

	switch cfg.Backend() {
	case config.BackendNative:
		a.runner = speedtest.NewNativeRunner(speedtest.NativeConfig{
			Timeout:        cfg.Timeout(),
			ServerCount:    cfg.Speedtest.ServerCount,
			MaxConnections: cfg.Speedtest.MaxConnections,
		}, log.With(logx.String("comp", "speedtest")))
	default:
		path, err := speedtest.LookupCommand(cfg.Speedtest.Command)
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("speedtest CLI binary not found (install cloudflarepycli: https://pypi.org/project/cloudflarepycli/): %w", err)
		}
		log.Info("using speedtest CLI", logx.String("path", path))
		a.runner = speedtest.NewCLIRunner(speedtest.CLIConfig{
			Command: cfg.Speedtest.Command,
			Timeout: cfg.Timeout(),
		}, log.With(logx.String("comp", "speedtest")))
	}

	a.registry = metrics.NewRegistry(cfg.CacheFor())
	a.bindAddr = cfg.ListenAddr()
	handler := server.NewHandler(a.registry, a.runner, log.With(logx.String("comp", "http")))
	a.srv = server.New(a.bindAddr, handler.Routes(), log.With(logx.String("comp", "http")))

	return a, nil
}

// Start binds the listener and launches the config watcher and systemd
// keepalive.
func (a *App) Start(ctx context.Context) error {
	if err := a.srv.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfgPath != "" {
		updates := a.manager.Subscribe(1)
		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			_ = a.manager.Watch(watchCtx)
		}()
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-watchCtx.Done():
					a.manager.Unsubscribe(updates)
					return
				case cfg, ok := <-updates:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		}()
	}

	// Under systemd, report readiness and keep the watchdog fed.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-watchCtx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	return nil
}

// applyConfig applies the hot-reloadable subset of a new config. The listen
// address is fixed for the process lifetime; changing it needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.registry.SetCacheFor(cfg.CacheFor())
	a.runner.SetTimeout(cfg.Timeout())

	if cfg.ListenAddr() != a.bindAddr {
		a.log.Warn("listen address changed in config; restart required to apply",
			logx.String("current", a.bindAddr),
			logx.String("configured", cfg.ListenAddr()),
		)
	}

	a.log.Info("config applied",
		logx.Duration("cache_for", cfg.CacheFor()),
		logx.Duration("timeout", cfg.Timeout()),
	)
}

// Stop shuts everything down gracefully.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	a.srv.Stop(ctx)
	a.wg.Wait()
	_ = a.logs.Close()
	return nil
}
