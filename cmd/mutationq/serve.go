package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	r "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/DarlingtonDeveloper/mutationq"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue with its admin API and NATS ingestion",
	RunE:  runServe,
}

var (
	flagStore        string
	flagDataDir      string
	flagHTTPAddr     string
	flagConnectivity string
	shutdownTimeout  = 5 * time.Second
)

func init() {
	serveCmd.Flags().StringVar(&flagStore, "store", "sqlite", "Local store: sqlite, pebble or redis (or set MUTATIONQ_STORE)")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "data", "Directory for sqlite and pebble files (or set MUTATIONQ_DATA_DIR)")
	serveCmd.Flags().StringVar(&flagHTTPAddr, "bind", ":8080", "HTTP bind address (or set MUTATIONQ_HTTP_ADDR)")
	serveCmd.Flags().StringVar(&flagConnectivity, "connectivity", "ping", "Connectivity source: ping or nats (or set MUTATIONQ_CONNECTIVITY)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := loadSettings()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		st.Store = flagStore
	}
	if flags.Changed("data-dir") {
		st.DataDir = flagDataDir
	}
	if flags.Changed("bind") {
		st.HTTPAddr = flagHTTPAddr
	}
	if flags.Changed("connectivity") {
		st.Connectivity = flagConnectivity
	}
	if err := st.validate(); err != nil {
		return err
	}

	cfg, err := mutationq.LoadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting mutationq",
		"store", st.Store,
		"data_dir", st.DataDir,
		"bind", st.HTTPAddr,
		"connectivity", st.Connectivity,
		"nats", st.NATSURL != "",
		"max_retries", cfg.MaxRetries,
		"retry_delay", cfg.RetryDelay,
		"batch_size", cfg.BatchSize,
		"auto_process_interval", cfg.AutoProcessInterval,
	)

	otelShutdown, err := initTracer(st.OTelEnabled, "mutationq", st.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := openStore(ctx, st)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()

	pool, err := pgxpool.New(ctx, st.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	backend := mutationq.NewPostgresBackend(pool)

	var opts []mutationq.Option
	var nc *nats.Conn
	var natsConn *mutationq.NATSConnectivity
	if st.NATSURL != "" {
		natsConn = mutationq.NewNATSConnectivity()
		natsOpts := append(natsConn.Options(), nats.Name("mutationq"), nats.MaxReconnects(-1))
		nc, err = nats.Connect(st.NATSURL, natsOpts...)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		natsConn.Track(nc)
		opts = append(opts, mutationq.WithPublisher(mutationq.NewPublisher(nc, st.Source)))
	}

	switch st.Connectivity {
	case "nats":
		opts = append(opts, mutationq.WithConnectivity(natsConn))
	default:
		probe := mutationq.NewPingProbe(backend, st.ProbeInterval)
		probeCtx, probeCancel := context.WithCancel(context.Background())
		probe.Start(probeCtx)
		defer func() {
			probeCancel()
			probe.Wait()
		}()
		opts = append(opts, mutationq.WithConnectivity(probe))
	}

	m := mutationq.NewManager(store, backend, cfg, opts...)
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	defer m.Destroy()

	if nc != nil {
		if _, err := mutationq.NewIngestor(m).Subscribe(ctx, nc); err != nil {
			return err
		}
		slog.Info("nats ingestion enabled", "subject", mutationq.SubjectEnqueueAll)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/mutations", mutationq.NewHandler(m).Routes())

	srv := &http.Server{Addr: st.HTTPAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("mutationq ready", "bind", st.HTTPAddr)

	<-ctx.Done()
	slog.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error; forcing close", "error", err)
		_ = srv.Close()
	}

	slog.Info("mutationq stopped")
	return nil
}

func openStore(ctx context.Context, st Settings) (mutationq.DataStore, error) {
	switch st.Store {
	case "pebble":
		s, err := mutationq.OpenPebbleStore(st.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: st.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return mutationq.NewRedisStore(rdb, st.RedisPrefix), nil
	default:
		s, err := mutationq.OpenSQLiteStore(st.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
