package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	"github.com/c0deZ3R0/go-canvas-sync/canvaskit"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
	"github.com/c0deZ3R0/go-canvas-sync/metrics/promcollector"
	"github.com/c0deZ3R0/go-canvas-sync/presence"
	"github.com/c0deZ3R0/go-canvas-sync/presence/redisstore"
	"github.com/c0deZ3R0/go-canvas-sync/store"
	"github.com/c0deZ3R0/go-canvas-sync/store/memstore"
	"github.com/c0deZ3R0/go-canvas-sync/store/postgres"
	"github.com/c0deZ3R0/go-canvas-sync/store/sqlite"
	"github.com/c0deZ3R0/go-canvas-sync/transport/sse"
)

const version = "0.1.0"

const usage = `Canvas sync demo.

Runs one or more engines against a shared store, drags a rectangle across the
canvas and prints what every engine ends up holding.

Usage:
    canvas-demo run [--config=<path>] [--store=<kind>] [--dsn=<dsn>]
        [--redis=<addr>] [--room=<room>] [--name=<name>]
        [--clients=<n>] [--steps=<n>] [--http=<addr>] [--wait]
    canvas-demo config [--config=<path>]
    canvas-demo -h | --help
    canvas-demo --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML or JSON engine config.
    --store=<kind>     memory, sqlite or postgres [default: memory].
    --dsn=<dsn>        Data source for sqlite or postgres.
    --redis=<addr>     Share presence over redis at this address.
    --room=<room>      Presence room [default: demo].
    --name=<name>      Display name of the first client [default: alice].
    --clients=<n>      Engines to run in this process [default: 2].
    --steps=<n>        Drag steps before the final write [default: 10].
    --http=<addr>      Serve /metrics and the first engine's /events stream, e.g. :9090.
    --wait             Keep running until interrupted.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := canvaskit.DefaultConfig()
	if path, _ := opts.String("--config"); path != "" {
		cfg, err = canvaskit.LoadConfig(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	cfg.Logging = logging.FromEnv("CANVAS_", cfg.Logging)

	if cmd, _ := opts.Bool("config"); cmd {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	logging.Init(cfg.Logging)
	logger := logging.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, cfg, logger.Logger); err != nil {
		logger.LogError(ctx, err, "demo failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts, cfg canvaskit.Config, logger *slog.Logger) error {
	clients := intOpt(opts, "--clients", 2)
	steps := intOpt(opts, "--steps", 10)
	if clients < 1 {
		return errors.New("--clients must be at least 1")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	collector := promcollector.New("canvas", reg)

	openStore, err := storeFactory(opts, logger)
	if err != nil {
		return err
	}
	openPresence := presenceFactory(ctx, opts, logger)

	name, _ := opts.String("--name")
	engines := make([]*canvaskit.Engine, 0, clients)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range engines {
			if err := e.Close(closeCtx); err != nil {
				logger.Warn("engine close failed", logging.Err(err))
			}
		}
	}()

	for i := 0; i < clients; i++ {
		user := name
		if i > 0 {
			user = fmt.Sprintf("%s-%d", name, i+1)
		}
		s, err := openStore(user)
		if err != nil {
			return err
		}
		ps, err := openPresence()
		if err != nil {
			_ = s.Close()
			return err
		}
		e, err := canvaskit.New(
			canvaskit.WithStore(s),
			canvaskit.WithConfig(cfg),
			canvaskit.WithPresence(ps, canvas.Presence{UserID: user, DisplayName: user}),
			canvaskit.WithLogger(logger.With(slog.String("user", user))),
			canvaskit.WithMetrics(collector),
		)
		if err != nil {
			_ = s.Close()
			_ = ps.Close()
			return err
		}
		if err := e.Start(ctx); err != nil {
			return err
		}
		engines = append(engines, e)
	}

	if addr, _ := opts.String("--http"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/events", sse.NewServer(engines[0].State(), logger).Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("http server stopped", logging.Err(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics and events", slog.String("addr", addr))
	}

	drag(ctx, engines[0], steps)

	if wait, _ := opts.Bool("--wait"); wait {
		logger.Info("running, press Ctrl-C to stop")
		<-ctx.Done()
	} else {
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Debounce.Std() + time.Second):
		}
	}

	for _, e := range engines {
		report(e)
	}
	return nil
}

// drag moves one rectangle across the canvas the way a pointer drag would: every
// step is applied locally, only the last one is written right away.
func drag(ctx context.Context, e *canvaskit.Engine, steps int) {
	id := canvas.NewID()
	for i := 1; i <= steps; i++ {
		if ctx.Err() != nil {
			return
		}
		x := float64(i * 10)
		if _, err := e.Change(id, canvas.Move(x, 10), i == steps); err != nil {
			slog.Warn("change failed", logging.Err(err))
			return
		}
		if p := e.Presence(); p != nil {
			p.UpdatePosition(x, 10)
		}
		time.Sleep(16 * time.Millisecond)
	}
}

func report(e *canvaskit.Engine) {
	st := e.State()
	fmt.Printf("status=%s entities=%d presence=%d\n", st.Connection().Status, len(st.Entities()), len(st.Presence()))
	for _, ent := range st.Entities() {
		fmt.Printf("  %s %s at (%.0f,%.0f) committed=%s\n",
			ent.ID, ent.Kind, ent.Shape.X, ent.Shape.Y, ent.CommittedAt.Format(time.RFC3339Nano))
	}
}

func storeFactory(opts docopt.Opts, logger *slog.Logger) (func(name string) (store.EntityStore, error), error) {
	kind, _ := opts.String("--store")
	dsn, _ := opts.String("--dsn")
	switch kind {
	case "", "memory":
		srv := memstore.NewServer(memstore.WithLogger(logger))
		return func(name string) (store.EntityStore, error) { return srv.Client(name), nil }, nil
	case "sqlite":
		if dsn == "" {
			dsn = "canvas.db"
		}
		return func(string) (store.EntityStore, error) {
			cfg := sqlite.DefaultConfig(dsn)
			cfg.Logger = logger
			return sqlite.New(cfg)
		}, nil
	case "postgres":
		if dsn == "" {
			return nil, errors.New("--dsn is required for postgres")
		}
		return func(string) (store.EntityStore, error) {
			cfg := postgres.DefaultConfig(dsn)
			cfg.Logger = logger
			return postgres.New(cfg)
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", kind)
}

// presenceFactory opens one presence store per engine. The in-process hub is
// shared, so its Close is a no-op.
func presenceFactory(ctx context.Context, opts docopt.Opts, logger *slog.Logger) func() (presence.Store, error) {
	addr, _ := opts.String("--redis")
	if addr == "" {
		hub := presence.NewHub()
		return func() (presence.Store, error) { return hub, nil }
	}
	room, _ := opts.String("--room")
	return func() (presence.Store, error) {
		return redisstore.New(ctx, redisstore.Config{Addr: addr, Room: room, Logger: logger})
	}
}

func intOpt(opts docopt.Opts, key string, def int) int {
	s, _ := opts.String(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
