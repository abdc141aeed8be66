package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bhandras/delight/workerd/internal/api"
	"github.com/bhandras/delight/workerd/internal/config"
	"github.com/bhandras/delight/workerd/internal/database"
	"github.com/bhandras/delight/workerd/internal/display"
	"github.com/bhandras/delight/workerd/internal/engine"
	"github.com/bhandras/delight/workerd/internal/engine/fakeengine"
	"github.com/bhandras/delight/workerd/internal/logger"
	"github.com/bhandras/delight/workerd/internal/session/runtime"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/stream"
	"github.com/bhandras/delight/workerd/internal/worker"
)

// readHeaderTimeout bounds slow clients before the handler runs.
const readHeaderTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func parseFlags() (string, config.Overrides) {
	fs := flag.NewFlagSet("workerd", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to a YAML config file")
		addr       = fs.String("addr", "", "listen address (host:port)")
		dbPath     = fs.String("db", "", "SQLite database path")
		debug      = fs.Bool("debug", false, "enable debug mode")
		logLevel   = fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
		maxWorkers = fs.Int("max-workers", 0, "maximum number of live workers")
		engineName = fs.String("engine", "", "delegate engine (fake)")
		displays   = fs.Bool("display", false, "launch a virtual display per worker")
	)
	_ = fs.Parse(os.Args[1:])

	// Only flags given on the command line override the config.
	var o config.Overrides
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			o.Addr = addr
		case "db":
			o.DatabasePath = dbPath
		case "debug":
			o.Debug = debug
		case "log-level":
			o.LogLevel = logLevel
		case "max-workers":
			o.MaxWorkers = maxWorkers
		case "engine":
			o.Engine = engineName
		case "display":
			o.Display = displays
		}
	})
	return *configPath, o
}

func engineFactory(name string) (engine.Factory, error) {
	switch name {
	case "fake":
		return fakeengine.Factory(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func run() error {
	configPath, overrides := parseFlags()
	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	logger.SetJSON(!cfg.Debug)
	defer logger.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	engines, err := engineFactory(cfg.Engine)
	if err != nil {
		return err
	}

	registry := stream.NewRegistry()
	poolCfg := worker.PoolConfig{
		MaxWorkers: cfg.MaxWorkers,
		Engines:    engines,
		Emitter:    registry,
	}
	if cfg.Display.Enabled {
		poolCfg.Displays = display.NewManager(display.Config{
			Width:       cfg.Display.Width,
			Height:      cfg.Display.Height,
			BasePort:    cfg.Display.BasePort,
			DisplayBase: cfg.Display.DisplayBase,
		})
	}
	pool := worker.NewPool(poolCfg)

	st := store.New(db)
	rt := runtime.NewManager(&runtime.SQLStore{Store: st}, pool, registry, runtime.Options{
		MaxMessageSize: cfg.MaxMessageSize,
	})

	router := api.NewRouter(api.Deps{
		DB:             db,
		Store:          st,
		Workers:        pool,
		Runtime:        rt,
		Registry:       registry,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: int64(cfg.MaxMessageSize),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("workerd listening on http://%s (engine=%s, max workers=%d, display=%t)",
			cfg.Addr, cfg.Engine, cfg.MaxWorkers, cfg.Display.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var err error
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("http shutdown: %w", serr))
		}
		if rerr := rt.Shutdown(shutdownCtx); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("worker shutdown: %w", rerr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Infof("Stopped")
	return nil
}
