// Package app wires configuration, storage, the quota ledger and the relay
// into one running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/delivery"
	"hookrelay/internal/observability/pprof"
	"hookrelay/internal/quota"
	"hookrelay/internal/registry"
	"hookrelay/internal/relay"
	"hookrelay/internal/render"
	"hookrelay/internal/runtime/supervisor"
	"hookrelay/internal/secrets"
	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     storage.Store
	ledger    *quota.Ledger
	retention *quota.Retention
	registry  registry.Registry
	relay     *relay.Service

	public   *http.Server
	internal *http.Server
	debug    *http.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogConfig(cfg))
	a, err := build(context.Background(), cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build constructs every component from cfg without starting anything.
func build(ctx context.Context, cfg *config.Config, log logx.Logger) (*App, error) {
	a := &App{log: log.With(logx.String("comp", "app"))}
	ok := false
	defer func() {
		if !ok {
			a.closeStores()
		}
	}()

	var checker quota.Checker
	if remote := strings.TrimSpace(cfg.Quota.RemoteURL); remote != "" {
		timeout := config.ParseDurationOrDefault("quota.remote_timeout", cfg.Quota.RemoteTimeout, 5*time.Second)
		checker = quota.NewClient(remote, timeout)
		a.log.Info("using remote quota ledger", logx.String("url", remote))
	} else {
		sc := mapStorageConfig(cfg)
		st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open quota store: %w", err)
		}
		a.store = st
		a.ledger = quota.NewLedger(st, mapLedgerOptions(cfg), log.With(logx.String("comp", "quota")))
		ret, err := quota.NewRetention(a.ledger, cfg.Quota.Retention.Schedule, log.With(logx.String("comp", "retention")))
		if err != nil {
			return nil, err
		}
		a.retention = ret
		checker = a.ledger
		a.log.Info("quota store ready", logx.String("driver", sc.Driver))
	}

	reg, err := openRegistry(ctx, cfg, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	a.registry = reg

	dec, err := openSecrets(cfg, a.log)
	if err != nil {
		return nil, err
	}

	renderer, err := render.New(mapRenderConfig(cfg))
	if err != nil {
		return nil, err
	}
	sender := delivery.New(mapDeliveryConfig(cfg), log.With(logx.String("comp", "delivery")))

	a.relay = relay.NewService(a.registry, checker, renderer, dec, sender, mapRelayOptions(cfg), log.With(logx.String("comp", "relay")))

	a.public = newServer(cfg, cfg.Server.Listen,
		relay.NewHandler(a.relay, mapHandlerOptions(cfg), log.With(logx.String("comp", "http"))))
	if l := strings.TrimSpace(cfg.Quota.Listen); l != "" && a.ledger != nil {
		a.internal = newServer(cfg, l, quota.NewHandler(a.ledger, log.With(logx.String("comp", "quota.http"))))
	}
	if l := strings.TrimSpace(cfg.Server.PprofListen); l != "" {
		a.debug = newServer(cfg, l, pprof.Handler(cfg.Server.PprofToken))
		// Profiles stream for up to the requested seconds.
		a.debug.WriteTimeout = 0
	}
	ok = true
	return a, nil
}

func openRegistry(ctx context.Context, cfg *config.Config, log logx.Logger) (registry.Registry, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Registry.Driver), "redis") {
		r, err := registry.OpenRedis(ctx, mapRegistryRedis(cfg))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	f, err := registry.OpenFile(cfg.Registry.Path, log)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func openSecrets(cfg *config.Config, log logx.Logger) (secrets.Decrypter, error) {
	dec, err := secrets.FromEnv(cfg.Secrets.KeyEnv)
	if errors.Is(err, secrets.ErrNoKey) {
		log.Warn("no encryption key configured; credentials are used as stored", logx.String("env", cfg.Secrets.KeyEnv))
		return secrets.Plaintext{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: %s: %w", cfg.Secrets.KeyEnv, err)
	}
	return dec, nil
}

func newServer(cfg *config.Config, addr string, h http.Handler) *http.Server {
	s := cfg.Server
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ParseDurationOrDefault("server.read_timeout", s.ReadTimeout, 30*time.Second),
		WriteTimeout:      config.ParseDurationOrDefault("server.write_timeout", s.WriteTimeout, 30*time.Second),
		IdleTimeout:       config.ParseDurationOrDefault("server.idle_timeout", s.IdleTimeout, 2*time.Minute),
	}
}

// Relay exposes the orchestrator, mostly for tests.
func (a *App) Relay() *relay.Service { return a.relay }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listeners and launches background loops. Bind errors are
// returned directly; later failures cancel the app.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.serve("http.public", a.public); err != nil {
		return err
	}
	if a.internal != nil {
		if err := a.serve("http.quota", a.internal); err != nil {
			return err
		}
	}
	if a.debug != nil {
		if err := a.serve("http.pprof", a.debug); err != nil {
			return err
		}
	}

	if a.retention != nil {
		a.sup.GoRestart("quota.retention", a.retention.Run)
	}
	if f, ok := a.registry.(*registry.File); ok && a.cfgm != nil && a.cfgm.Get().Registry.Watch {
		a.sup.GoRestart("registry.watch", f.Watch)
	}
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
		a.watchConfig()
	}
	return nil
}

func (a *App) serve(name string, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s: listen %s: %w", name, srv.Addr, err)
	}
	srv.Addr = ln.Addr().String()
	a.log.Info("listening", logx.String("name", name), logx.String("addr", srv.Addr))
	a.sup.Go(name, func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// watchConfig applies logging changes live; everything else needs a restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				changed := changedSections(last, next)
				last = next
				if len(changed) == 0 {
					continue
				}
				a.log.Info("config changed", logx.String("sections", strings.Join(changed, ",")))
				for _, s := range changed {
					if s == "logging" && a.logs != nil {
						a.logs.Apply(mapLogConfig(next))
						continue
					}
					a.log.Warn("config section changed; restart required", logx.String("section", s))
				}
			}
		}
	})
}

// changedSections names the top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	t := pv.Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		out = append(out, name)
	}
	return out
}

// Stop drains the listeners, stops background loops and closes stores.
// Each step is bounded so one slow component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	drain := defaultShutdownTimeout
	if a.cfgm != nil {
		drain = config.ParseDurationOrDefault("server.shutdown_timeout", a.cfgm.Get().Server.ShutdownTimeout, drain)
	}

	a.step(ctx, "http.public", drain, a.public.Shutdown)
	if a.internal != nil {
		a.step(ctx, "http.quota", drain, a.internal.Shutdown)
	}
	if a.debug != nil {
		a.step(ctx, "http.pprof", time.Second, func(c context.Context) error {
			_ = a.debug.Shutdown(c)
			return a.debug.Close()
		})
	}
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "stores", 2*time.Second, func(context.Context) error {
		a.closeStores()
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with a timeout that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeStores() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.log.Warn("registry close failed", logx.Err(err))
		}
		a.registry = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("quota store close failed", logx.Err(err))
		}
		a.store = nil
	}
}
