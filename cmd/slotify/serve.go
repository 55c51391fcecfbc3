package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/slotify/internal/branch"
	"github.com/snehjoshi/slotify/internal/broker"
	"github.com/snehjoshi/slotify/internal/config"
	"github.com/snehjoshi/slotify/internal/consumer"
	"github.com/snehjoshi/slotify/internal/dlq"
	"github.com/snehjoshi/slotify/internal/metrics"
	"github.com/snehjoshi/slotify/internal/node"
	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/storage/local"
	"github.com/snehjoshi/slotify/internal/storage/memory"
	transphttp "github.com/snehjoshi/slotify/internal/transport/http"
)

func newServeCmd(load configLoader) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Slotify HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log at debug level (includes every event when notify.log_events is set)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	// ── 1. Node identity ─────────────────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	slog.Info("slotify starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"storage", cfg.Storage.Driver,
	)

	// ── 2. Token ledger ──────────────────────────────────────────────────────
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			slog.Warn("ledger close error", "err", err)
		}
	}()

	// ── 3. Branch registry & metrics ─────────────────────────────────────────
	branches, err := branch.New(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init branch registry: %w", err)
	}
	metricsReg := metrics.New()

	// ── 4. Event sinks behind the dispatcher ─────────────────────────────────
	hub := notify.NewHub()
	subs := consumer.NewManager(time.Duration(cfg.Notify.SinkTimeoutMs) * time.Millisecond)
	defer subs.Close()
	sinks, closers, err := buildSinks(ctx, cfg, hub, subs)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	deadLetters := dlq.New(cfg.Notify.DeadLetterSize)
	dispatcher := notify.NewDispatcher(sinks, notify.DispatcherConfig{
		BufferSize:  cfg.Notify.BufferSize,
		SinkTimeout: time.Duration(cfg.Notify.SinkTimeoutMs) * time.Millisecond,
		OnFailure:   deadLetters.Add,
	})
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()
	metricsReg.RegisterDispatcher(dispatcher)
	metricsReg.RegisterDeadLetters(deadLetters)

	// ── 5. Broker (scoring + queue manager + no-show reaper) ─────────────────
	b, err := broker.New(cfg, n.ID(), ledger, dispatcher,
		broker.WithBranchRegistry(branches),
		broker.WithMetrics(metricsReg),
	)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 6. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(b, hub, cfg, metricsReg,
		transphttp.WithSubscriptions(subs),
		transphttp.WithDeadLetters(deadLetters, sinks),
	)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("slotify ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 7. Dedicated Prometheus listener ─────────────────────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = b.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}

	slog.Info("slotify stopped")
	return nil
}

// openLedger opens the configured storage driver.
func openLedger(cfg *config.Config) (storage.Ledger, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		slog.Warn("using the in-memory ledger; tokens are lost on restart")
		return memory.New(), nil
	default:
		path := cfg.Storage.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Node.DataDir, path)
		}
		l, err := local.Open(path, local.Config{
			OpenTimeout: time.Duration(cfg.Storage.OpenTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return l, nil
	}
}

// buildSinks assembles every configured event sink. The hub and the runtime
// subscriptions are always included. The returned closers release broker
// connections on shutdown.
func buildSinks(ctx context.Context, cfg *config.Config, hub *notify.Hub, subs *consumer.Manager) (notify.Multi, []io.Closer, error) {
	sinks := notify.Multi{hub, subs}
	var closers []io.Closer
	fail := func(err error) (notify.Multi, []io.Closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, err
	}

	if cfg.Notify.LogEvents {
		sinks = append(sinks, notify.LogSink{Logger: slog.Default().With("component", "events")})
	}

	timeout := time.Duration(cfg.Notify.SinkTimeoutMs) * time.Millisecond
	for _, wh := range cfg.Notify.Webhooks {
		sinks = append(sinks, notify.NewWebhookSink(wh.URL, wh.Secret, timeout))
		slog.Info("webhook sink enabled", "url", wh.URL)
	}

	if cfg.Notify.Redis.URL != "" {
		rs, err := notify.DialRedis(ctx, cfg.Notify.Redis.URL, cfg.Notify.Redis.Channel)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, rs)
		closers = append(closers, rs)
		slog.Info("redis sink enabled", "channel", cfg.Notify.Redis.Channel)
	}

	if cfg.Notify.NATS.URL != "" {
		ns, err := notify.DialNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.SubjectPrefix)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ns)
		closers = append(closers, ns)
		slog.Info("nats sink enabled", "prefix", cfg.Notify.NATS.SubjectPrefix)
	}
	return sinks, closers, nil
}
