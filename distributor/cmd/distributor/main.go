package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/distributor/distributor/internal/seed"
	assetmemory "github.com/malbeclabs/distributor/distributor/pkg/asset/memory"
	"github.com/malbeclabs/distributor/distributor/pkg/metrics"
	"github.com/malbeclabs/distributor/distributor/pkg/processor"
	"github.com/malbeclabs/distributor/distributor/pkg/server"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
	storememory "github.com/malbeclabs/distributor/distributor/pkg/store/memory"
	"github.com/malbeclabs/distributor/distributor/pkg/store/postgres"
	"github.com/malbeclabs/distributor/utils/pkg/logger"
	"github.com/malbeclabs/distributor/utils/pkg/retry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultProgramID  = "2vA1TqkN3zQ49CNwDjTf2HfLYEGKgDggPVHTprmFsYe4"
	defaultListenAddr = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json (or set DISTRIBUTOR_LOG_FORMAT env var)")
	envFileFlag := flag.String("env-file", ".env", "dotenv file to load if present")

	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set DISTRIBUTOR_LISTEN_ADDR env var)")
	programIDFlag := flag.String("program-id", defaultProgramID, "program ID distributions and claims are derived under (or set DISTRIBUTOR_PROGRAM_ID env var)")
	allowedOriginsFlag := flag.String("allowed-origins", "*", "comma-separated CORS origins (or set DISTRIBUTOR_ALLOWED_ORIGINS env var)")
	claimRateFlag := flag.Float64("claim-rate", 5, "claim submissions per second per IP, 0 disables the limit (or set DISTRIBUTOR_CLAIM_RATE env var)")
	claimBurstFlag := flag.Int("claim-burst", 10, "claim submission burst per IP")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "maximum time to drain in-flight requests on shutdown")

	storeFlag := flag.String("store", "memory", "claim store: memory or postgres (or set DISTRIBUTOR_STORE env var)")
	ledgerFlag := flag.String("ledger", "memory", "asset ledger: memory (or set DISTRIBUTOR_LEDGER env var)")
	seedFileFlag := flag.String("seed-file", "", "JSON file of distributions to create at startup (or set DISTRIBUTOR_SEED_FILE env var)")

	// PostgreSQL configuration
	postgresHostFlag := flag.String("postgres-host", "", "PostgreSQL host (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "", "PostgreSQL port (or set POSTGRES_PORT env var)")
	postgresDBFlag := flag.String("postgres-db", "", "PostgreSQL database (or set POSTGRES_DB env var)")
	postgresUserFlag := flag.String("postgres-user", "", "PostgreSQL user (or set POSTGRES_USER env var)")
	postgresSSLModeFlag := flag.String("postgres-sslmode", "", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")
	postgresRunMigrationsFlag := flag.Bool("postgres-run-migrations", false, "run PostgreSQL migrations at startup")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	// Override flags with environment variables if set
	overrideString(listenAddrFlag, "DISTRIBUTOR_LISTEN_ADDR")
	overrideString(programIDFlag, "DISTRIBUTOR_PROGRAM_ID")
	overrideString(allowedOriginsFlag, "DISTRIBUTOR_ALLOWED_ORIGINS")
	overrideString(storeFlag, "DISTRIBUTOR_STORE")
	overrideString(ledgerFlag, "DISTRIBUTOR_LEDGER")
	overrideString(seedFileFlag, "DISTRIBUTOR_SEED_FILE")
	overrideString(logFormatFlag, "DISTRIBUTOR_LOG_FORMAT")
	if v := os.Getenv("DISTRIBUTOR_CLAIM_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DISTRIBUTOR_CLAIM_RATE %q: %w", v, err)
		}
		*claimRateFlag = r
	}
	if os.Getenv("DISTRIBUTOR_VERBOSE") == "true" {
		*verboseFlag = true
	}

	format, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithFormat(os.Stdout, format, *verboseFlag)

	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id %q: %w", *programIDFlag, err)
	}
	if *ledgerFlag != "memory" {
		return fmt.Errorf("unsupported ledger %q", *ledgerFlag)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	var st store.Store
	switch *storeFlag {
	case "memory":
		st = storememory.New()
	case "postgres":
		connCfg := postgres.ConnConfigFromEnv()
		connCfg.Host = firstNonEmpty(*postgresHostFlag, connCfg.Host)
		connCfg.Port = firstNonEmpty(*postgresPortFlag, connCfg.Port)
		connCfg.Database = firstNonEmpty(*postgresDBFlag, connCfg.Database)
		connCfg.Username = firstNonEmpty(*postgresUserFlag, connCfg.Username)
		connCfg.SSLMode = firstNonEmpty(*postgresSSLModeFlag, connCfg.SSLMode)
		if err := connCfg.Validate(); err != nil {
			return fmt.Errorf("invalid postgres configuration: %w", err)
		}
		connStr := connCfg.ConnString()

		if *postgresRunMigrationsFlag {
			if err := postgres.Migrate(ctx, log, connStr); err != nil {
				return err
			}
		}

		retryCfg := retry.DefaultConfig()
		retryCfg.OnRetry = func(attempt int, wait time.Duration, err error) {
			log.Warn("postgres: retrying connection", "attempt", attempt, "wait", wait, "error", err)
		}
		pool, err := postgres.Connect(ctx, log, connStr, connCfg, retryCfg)
		if err != nil {
			return err
		}
		pgStore, err := postgres.NewStore(postgres.StoreConfig{Logger: log, Pool: pool})
		if err != nil {
			pool.Close()
			return err
		}
		st = pgStore
	default:
		return fmt.Errorf("unsupported store %q", *storeFlag)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	ledger := assetmemory.New(log)
	if *seedFileFlag != "" {
		seeds, err := seed.Load(*seedFileFlag)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, log, programID, st, ledger, seeds); err != nil {
			return err
		}
	}

	proc, err := processor.New(processor.Config{
		Logger:    log,
		Store:     st,
		Ledger:    ledger,
		Notifier:  processor.LogNotifier{Logger: log},
		ProgramID: programID,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Claimer:         proc,
		ListenAddr:      *listenAddrFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  splitList(*allowedOriginsFlag),
		ClaimRate:       rate.Limit(*claimRateFlag),
		ClaimBurst:      *claimBurstFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
	})
	if err != nil {
		return err
	}

	log.Info("distributor starting",
		"version", version,
		"program_id", programID,
		"store", *storeFlag,
		"ledger", *ledgerFlag,
		"listen_addr", *listenAddrFlag,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("distributor stopped")
	return nil
}

func overrideString(flagValue *string, env string) {
	if v := os.Getenv(env); v != "" {
		*flagValue = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
