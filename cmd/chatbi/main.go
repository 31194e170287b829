package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/parallaxdata/chatbi/api/handlers"
	"github.com/parallaxdata/chatbi/api/metrics"
	"github.com/parallaxdata/chatbi/pkg/contextbuild"
	"github.com/parallaxdata/chatbi/pkg/llm"
	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/pipeline"
	"github.com/parallaxdata/chatbi/pkg/push"
	"github.com/parallaxdata/chatbi/pkg/querier"
	"github.com/parallaxdata/chatbi/pkg/recovery"
	"github.com/parallaxdata/chatbi/pkg/relation"
	"github.com/parallaxdata/chatbi/pkg/tableselect"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = ":8080"
	defaultClickHouseAddr  = "localhost:9000"
	defaultSessionTTL      = 30 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
	defaultContextTokens   = 8000
	defaultReservedTokens  = 1024
	defaultMetadataTTL     = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on")

	// Metadata store configuration.
	postgresDSNFlag := flag.String("postgres-dsn", os.Getenv("CHATBI_POSTGRES_DSN"), "postgres DSN for the metadata store")
	metadataTTLFlag := flag.Duration("metadata-cache-ttl", defaultMetadataTTL, "metadata cache TTL")

	// Query execution configuration.
	clickhouseAddrFlag := flag.String("clickhouse-addr", defaultClickHouseAddr, "clickhouse native address")
	clickhouseDBFlag := flag.String("clickhouse-database", "default", "clickhouse database")
	clickhouseUserFlag := flag.String("clickhouse-username", "default", "clickhouse username")
	clickhousePassFlag := flag.String("clickhouse-password", os.Getenv("CHATBI_CLICKHOUSE_PASSWORD"), "clickhouse password")

	// Completion service configuration.
	llmModeFlag := flag.String("llm-mode", string(llm.ModeCloud), "completion backend: cloud or local")
	anthropicModelFlag := flag.String("anthropic-model", "", "anthropic model override")
	ollamaURLFlag := flag.String("ollama-url", "http://localhost:11434", "ollama base URL for local mode")
	ollamaModelFlag := flag.String("ollama-model", "qwen2.5:14b", "ollama model for local mode")

	// Pipeline configuration.
	sessionTTLFlag := flag.Duration("session-ttl", defaultSessionTTL, "idle session lifetime")
	contextTokensFlag := flag.Int("context-tokens", defaultContextTokens, "total token budget for SQL-generation context")
	reservedTokensFlag := flag.Int("reserved-tokens", defaultReservedTokens, "tokens reserved for the model's response")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *postgresDSNFlag == "" {
		return fmt.Errorf("postgres DSN is required (--postgres-dsn or CHATBI_POSTGRES_DSN)")
	}
	pool, err := pgxpool.New(ctx, *postgresDSNFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to metadata store: %w", err)
	}
	defer pool.Close()

	store, err := metadata.NewCachedStore(metadata.NewPostgresStore(log, pool), *metadataTTLFlag)
	if err != nil {
		return fmt.Errorf("failed to create metadata cache: %w", err)
	}

	executor, err := querier.NewClickHouseExecutor(ctx, log,
		*clickhouseAddrFlag, *clickhouseDBFlag, *clickhouseUserFlag, *clickhousePassFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	client, err := llm.New(&llm.Config{
		Logger:         log,
		Mode:           llm.Mode(*llmModeFlag),
		AnthropicModel: *anthropicModelFlag,
		OllamaBaseURL:  *ollamaURLFlag,
		OllamaModel:    *ollamaModelFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}

	resolver := relation.NewResolver(log)

	selector, err := tableselect.New(&tableselect.Config{
		Logger:   log,
		LLM:      client,
		Store:    store,
		Resolver: resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create table selector: %w", err)
	}

	aggregator, err := contextbuild.New(&contextbuild.Config{
		Logger:   log,
		Store:    store,
		Resolver: resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create context aggregator: %w", err)
	}

	engine, err := recovery.New(&recovery.Config{
		Logger: log,
		LLM:    client,
		Clock:  clockwork.NewRealClock(),
	})
	if err != nil {
		return fmt.Errorf("failed to create recovery engine: %w", err)
	}

	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	broker := push.NewBroker(log)

	orchestrator, err := pipeline.New(&pipeline.Config{
		Logger:     log,
		LLM:        client,
		Selector:   selector,
		Aggregator: aggregator,
		Recovery:   engine,
		Executor:   executor,
		Store:      store,
		Push:       broker,
		Prompts:    prompts,
		SessionTTL: *sessionTTLFlag,
		ContextBudget: contextbuild.TokenBudget{
			Total:    *contextTokensFlag,
			Reserved: *reservedTokensFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orchestrator.Close()

	s := handlers.New(log, orchestrator, broker, engine)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations", s.StartConversation)
		r.Get("/conversations", s.ListConversations)
		r.Route("/conversations/{sessionID}", func(r chi.Router) {
			r.Post("/messages", s.ContinueConversation)
			r.Get("/", s.ConversationStatus)
			r.Delete("/", s.CleanupConversation)
			r.Get("/events", s.ConversationEvents)
		})
		r.Get("/recovery/stats", s.RecoveryStats)
	})

	server := &http.Server{
		Addr:    *listenAddrFlag,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", "addr", *listenAddrFlag, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
	}))
}
