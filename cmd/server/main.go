package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"shelfmark/internal/atproto"
	"shelfmark/internal/firehose"
	"shelfmark/internal/metadata"
	"shelfmark/internal/metrics"
	"shelfmark/internal/monitor"
	"shelfmark/internal/ratelimit"
	"shelfmark/internal/store"
	"shelfmark/internal/tracing"
	"shelfmark/internal/writequeue"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting Shelfmark indexer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing is optional; without an OTLP collector the exporter just
	// fails to flush, so it can be turned off entirely.
	if os.Getenv("TRACING_DISABLED") != "true" {
		tp, err := tracing.Init(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Tracer shutdown failed")
				}
			}()
		}
	}

	dataDir := envStr("SHELFMARK_DATA_DIR", defaultDataDir())
	dbPath := envStr("SHELFMARK_DB_PATH", filepath.Join(dataDir, "index.db"))
	cursorPath := envStr("SHELFMARK_CURSOR_PATH", filepath.Join(dataDir, "cursor.db"))

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open database")
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}
	log.Info().Str("path", dbPath).Msg("Database opened")

	cursors, err := store.OpenCursor(cursorPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cursorPath).Msg("Failed to open cursor database")
	}
	defer cursors.Close()

	queue := writequeue.New(st, writequeue.Config{
		BatchSize:     envInt("WRITE_BATCH_SIZE", 50),
		FlushInterval: envDur("WRITE_FLUSH_INTERVAL", time.Second),
		MaxRetries:    envInt("WRITE_MAX_RETRIES", 5),
		BaseDelay:     envDur("WRITE_BASE_DELAY", 50*time.Millisecond),
		Retryable:     store.IsBusy,
	})
	queue.Start()
	defer queue.Close()

	books := metadata.NewClient(metadata.Config{
		BaseURL:          envStr("METADATA_BASE_URL", metadata.DefaultBaseURL),
		CoversURL:        envStr("METADATA_COVERS_URL", metadata.DefaultCoversURL),
		TokensPerSecond:  envFloat("METADATA_TOKENS_PER_SECOND", 10),
		BurstCapacity:    envInt("METADATA_MAX_TOKENS", 10),
		FailureThreshold: envInt("METADATA_FAILURE_THRESHOLD", 3),
		RecoveryTimeout:  envDur("METADATA_RECOVERY_TIMEOUT", 30*time.Second),
		Backoff: ratelimit.BackoffConfig{
			MaxAttempts: envInt("METADATA_MAX_RETRIES", 3),
			BaseDelay:   envDur("METADATA_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    envDur("METADATA_MAX_DELAY", 10*time.Second),
			Jitter:      envStr("METADATA_JITTER", "true") == "true",
		},
	})

	cfg := firehose.DefaultConfig()
	cfg.RelayHost = envStr("RELAY_HOST", cfg.RelayHost)
	cfg.MaxReconnects = envInt("FIREHOSE_MAX_RECONNECTS", cfg.MaxReconnects)
	cfg.HeartbeatEvery = envInt("FIREHOSE_HEARTBEAT_EVERY", cfg.HeartbeatEvery)
	cfg.EnrichBooks = envStr("FIREHOSE_ENRICH_BOOKS", "false") == "true"
	if v := os.Getenv("FIREHOSE_COLLECTIONS"); v != "" {
		cfg.Collections = strings.Split(v, ",")
	}

	var (
		isbns  firehose.ISBNSource
		covers firehose.CoverCache
	)
	if cfg.EnrichBooks {
		isbns = books
		cache, err := metadata.NewCoverStore(
			envStr("COVER_CACHE_DIR", filepath.Join(dataDir, "covers")),
			envInt("COVER_MAX_WIDTH", 320),
			books,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize cover cache")
		}
		covers = cache
	}
	profiles := atproto.NewPublicClient()
	profileLimiter := ratelimit.NewTokenBucket(
		envFloat("PROFILE_TOKENS_PER_SECOND", 5),
		envInt("PROFILE_MAX_TOKENS", 5),
	)

	mon := monitor.NewLogMonitor()
	extractor := firehose.NewExtractor(st, cfg.Collections, isbns, covers)
	indexer := firehose.NewIndexer(st, queue, profiles, profileLimiter)
	consumer := firehose.NewConsumer(cfg, extractor, indexer, cursors, st, mon)

	metrics.StartCollector(ctx, metrics.StatsSource{
		UserCount:         countOf(ctx, st, "users"),
		BookshelfCount:    countOf(ctx, st, "bookshelves"),
		BookCount:         countOf(ctx, st, "books"),
		CommentCount:      countOf(ctx, st, "comments"),
		ActivityCount:     countOf(ctx, st, "activity"),
		FirehoseConnected: consumer.IsConnected,
		BreakerState:      func() int { return int(books.BreakerState()) },
	}, envDur("METRICS_COLLECT_INTERVAL", 30*time.Second))

	metricsAddr := envStr("METRICS_ADDR", ":9464")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("address", metricsAddr).Msg("Starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return consumer.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		consumer.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		// Reconnect budget exhaustion already wrote process_status; external
		// supervision restarts us from the persisted cursor.
		log.Fatal().Err(err).Msg("Indexer stopped")
	}
	log.Info().Msg("Indexer stopped")
}

// defaultDataDir follows XDG conventions so running from read-only
// locations still works.
func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "shelfmark")
}

// countOf adapts a table count to the collector's source signature.
// Count failures report zero rather than breaking collection.
func countOf(ctx context.Context, st *store.Store, table string) func() int64 {
	return func() int64 {
		n, err := st.CountRows(ctx, table)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Stats count failed")
			return 0
		}
		return n
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring unparseable integer")
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring unparseable number")
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring unparseable duration")
	}
	return fallback
}
