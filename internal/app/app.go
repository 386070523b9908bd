// Package app wires the voice memo subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and pumps hardware events until the
// context ends, and Shutdown finalizes any active recording and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithCatalog,
// WithMetrics, WithDiskSpace, WithListener). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicememo/internal/capture"
	"github.com/MrWong99/voicememo/internal/config"
	"github.com/MrWong99/voicememo/internal/dsp"
	"github.com/MrWong99/voicememo/internal/health"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/observe"
	"github.com/MrWong99/voicememo/internal/recording"
	"github.com/MrWong99/voicememo/internal/server"
	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/catalog"
	"github.com/MrWong99/voicememo/pkg/catalog/postgres"
)

// shutdownTimeout bounds the graceful HTTP shutdown inside Run.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	platform audio.Platform
	dir      string

	// Injected or built in New.
	provider   *observe.Provider
	metrics    *observe.Metrics
	catalog    catalog.Store
	diskSpace  capture.DiskSpaceFunc
	listener   net.Listener
	levelVar   *slog.LevelVar
	configPath string

	service *recording.Service
	httpSrv *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithCatalog injects a catalogue instead of creating one from config.
func WithCatalog(s catalog.Store) Option {
	return func(a *App) { a.catalog = s }
}

// WithMetrics injects metrics instead of installing the global telemetry
// providers. /metrics is not served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDiskSpace replaces the free-space probe.
func WithDiskSpace(fn capture.DiskSpaceFunc) Option {
	return func(a *App) { a.diskSpace = fn }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigFile watches path and hot-applies processing and log level
// changes while Run is active.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New creates an App for cfg on platform. cfg must have defaults applied.
func New(ctx context.Context, cfg *config.Config, platform audio.Platform, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, platform: platform}
	for _, o := range opts {
		o(a)
	}
	if platform == nil {
		return nil, errors.New("app: audio platform is required")
	}

	dir, err := config.ExpandHome(cfg.Recording.Directory)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.dir = dir

	if err := a.initTelemetry(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init telemetry: %w", err), a.close())
	}
	if err := a.initCatalog(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init catalog: %w", err), a.close())
	}
	checks := a.initService()
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("app: %w", err), a.close())
		}
		a.watcher = w
	}

	srvCfg := server.Config{
		Recorder: a.service,
		Health:   health.New(checks...),
		Metrics:  a.metrics,
	}
	if a.provider != nil {
		srvCfg.MetricsHandler = a.provider.Handler
	}
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(srvCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: a.cfg.Telemetry.ServiceName})
	if err != nil {
		return err
	}
	a.provider = p
	a.metrics = p.Metrics
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(ctx)
	})
	return nil
}

// initCatalog connects the PostgreSQL catalogue when a DSN is configured and
// falls back to an in-memory one otherwise.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil {
		return nil
	}
	dsn := a.cfg.Catalog.PostgresDSN
	if dsn == "" {
		slog.Info("no catalog.postgres_dsn configured, using in-memory catalogue")
		a.catalog = catalog.NewMemStore()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.catalog = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initService builds the hardware, capture and recording layers and returns
// the readiness checks covering them.
func (a *App) initService() []health.Checker {
	cfg := a.cfg
	voiceIsolation := *cfg.Processing.VoiceIsolation

	eq := dsp.NewEqualizer(voiceIsolation)
	eq.SetNoiseReductionLevel(*cfg.Processing.NoiseReduction)

	diskSpace := a.diskSpace
	if diskSpace == nil {
		diskSpace = capture.FreeSpace
	}

	a.service = recording.New(recording.Config{
		Platform: a.platform,
		Configurator: hwsession.New(hwsession.Config{
			Platform:            a.platform,
			TranscriptionFormat: *cfg.Recording.TranscriptionFormat,
			VoiceIsolation:      voiceIsolation,
		}),
		Selector: capture.New(capture.Config{
			Platform:     a.platform,
			MinFreeBytes: cfg.Recording.MinFreeBytes,
			DiskSpace:    diskSpace,
			Equalizer:    eq,
			Metrics:      a.metrics,
		}),
		Catalog:         a.catalog,
		Directory:       a.dir,
		DefaultMode:     cfg.Recording.DefaultMode,
		RecoveryRetries: cfg.Recovery.MaxRetries,
		RecoveryBackoff: cfg.Recovery.Backoff,
		Metrics:         a.metrics,
	})

	checks := []health.Checker{
		health.DiskSpace(a.dir, cfg.Recording.MinFreeBytes, diskSpace),
		health.Permission(a.platform),
		health.Inputs(a.platform),
	}
	if p, ok := a.catalog.(health.Pinger); ok {
		checks = append(checks, health.Ping("catalog", p))
	}
	return checks
}

// Service returns the recording service.
func (a *App) Service() *recording.Service { return a.service }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// ApplyConfig hot-applies the reloadable parts of a changed config.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceIsolationChanged {
		a.service.SetVoiceIsolation(d.NewVoiceIsolation)
	}
	if d.NoiseReductionChanged {
		a.service.SetNoiseReduction(d.NewNoiseReduction)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, dispatches hardware events and watches the config file
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.service.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(sctx)
	})

	slog.Info("voicememo serving", "addr", ln.Addr().String(), "directory", a.dir)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown finalizes an active recording and then runs the closers. If ctx
// expires first, the remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.service.Snapshot().State.Active() {
			fin, err := a.service.Stop(ctx)
			if err != nil {
				slog.Warn("final stop of active recording failed", "err", err)
			} else {
				slog.Info("active recording finalized", "path", fin.Path, "duration", fin.Duration)
			}
		}

		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers collected so far after a failed New.
func (a *App) close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
