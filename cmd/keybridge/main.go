// Command keybridge runs the bridge against the simulated host, serves the
// remote host link and the admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/internal/admin"
	"github.com/gogogo1024/keybridge/internal/handlers"
	"github.com/gogogo1024/keybridge/internal/hostsim"
	"github.com/gogogo1024/keybridge/internal/logging"
	"github.com/gogogo1024/keybridge/internal/script"
	"github.com/gogogo1024/keybridge/internal/serial"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err == nil {
		err = cfg.validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "keybridge: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.loggingConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "keybridge: logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	cfg.logSources(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("keybridge stopped", zap.Error(err))
		os.Exit(1)
	}
}

type backends struct {
	port  serial.Port
	audit admin.AuditStore
	close func()
}

func openBackends(ctx context.Context, cfg appConfig, logger *zap.Logger) (backends, error) {
	if cfg.str("serial.backend") != "redis" {
		return backends{
			port:  serial.NewInMemoryPort(),
			audit: admin.NewInMemoryAuditStore(0),
			close: func() {},
		}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.str("redis.addr")})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return backends{}, fmt.Errorf("redis connection failed: %w", err)
	}
	prefix := cfg.str("redis.key_prefix")
	logger.Info("redis backends", zap.String("addr", cfg.str("redis.addr")), zap.String("prefix", prefix))
	return backends{
		port:  serial.NewRedisPort(client, prefix+"serial:"),
		audit: admin.NewRedisAuditStore(client, prefix, 0),
		close: func() { _ = client.Close() },
	}, nil
}

func run(ctx context.Context, cfg appConfig, logger *zap.Logger) error {
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := hostsim.New(
		hostsim.WithLogger(logger.Named("host")),
		hostsim.WithHealthCheck(cfg.str("engine.health_check")),
	)

	var (
		adminSvc *admin.Service
		rt       *script.Runtime
	)
	setup := func(r *keybridge.Registry) error {
		handlers.RegisterHandlers(r, handlers.Deps{
			Host:   engine,
			Serial: be.port,
			Logger: logger.Named("handlers"),
		})
		if path := cfg.str("scripts.path"); path != "" {
			var err error
			rt, err = script.LoadFile(path, r, script.WithLogger(logger.Named("script")))
			if err != nil {
				return err
			}
		}
		return nil
	}
	observe := func(ev keybridge.DispatchEvent) {
		if adminSvc != nil {
			adminSvc.Observe(ev)
		}
	}

	bridge, err := keybridge.Run(engine, setup,
		keybridge.WithLogger(logger.Named("bridge")),
		keybridge.WithDispatchOptions(
			keybridge.WithMetrics(promReg),
			keybridge.WithObserver(observe),
		),
	)
	if rt != nil {
		defer rt.Close()
	}
	if err != nil {
		return err
	}
	logger.Info("bridge running", zap.Strings("commands", bridge.Registry().Names()))

	if addr := cfg.str("admin.addr"); addr != "" {
		adminSvc, err = admin.NewService(admin.Config{
			Dispatcher: bridge.Dispatcher(),
			Audit:      be.audit,
			Serial:     be.port,
			Host:       engine,
			Gatherer:   promReg,
			Logger:     logger.Named("admin"),
		})
		if err != nil {
			return err
		}
		defer adminSvc.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)

	if addr := cfg.str("link.addr"); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			linkLog := logger.Named("link")
			linkLog.Info("remote host link listening", zap.String("addr", addr))
			if err := keybridge.ListenAndServe(ctx, addr, bridge.Dispatcher(), cfg.serveOptions(linkLog)...); err != nil {
				errs <- fmt.Errorf("link: %w", err)
				cancel()
			}
		}()
	}

	if adminSvc != nil {
		srv := &http.Server{
			Addr:         cfg.str("admin.addr"),
			Handler:      adminSvc.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("admin service listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("admin: %w", err)
				cancel()
			}
		}()
		stopAdmin := context.AfterFunc(ctx, func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
		defer stopAdmin()
	}

	ticks := bridge.DriveContext(ctx, cfg.int("engine.ticks"), cfg.duration("engine.tick_interval"))
	logger.Info("host loop finished", zap.Int("ticks", ticks))
	cancel()
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
