package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopworks/replen/core/pkg/audit"
	"github.com/loopworks/replen/core/pkg/automation"
	"github.com/loopworks/replen/core/pkg/card"
	"github.com/loopworks/replen/core/pkg/claim"
	"github.com/loopworks/replen/core/pkg/config"
	"github.com/loopworks/replen/core/pkg/events"
	"github.com/loopworks/replen/core/pkg/lifecycle"
	"github.com/loopworks/replen/core/pkg/observability"
	"github.com/loopworks/replen/core/pkg/store"
	"github.com/loopworks/replen/core/pkg/trigger"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		startServer()
		return 0
	}

	switch args[1] {
	case "serve", "server":
		startServer()
		return 0
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "replend - replenishment trigger-to-order pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  replend <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve    Run the pipeline daemon (default)")
	fmt.Fprintln(w, "  scan     Record a card scan (--tenant, --card, --key)")
	fmt.Fprintln(w, "  verify   Verify a tenant's audit chain (--tenant)")
	fmt.Fprintln(w, "  export   Export a tenant's audit bundle (--tenant, --out)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

// openDatabase connects to the store named by DATABASE_URL. Postgres
// URLs get the pq driver; anything else is treated as a SQLite DSN,
// the lite mode for single-node deployments.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, audit.Dialect, error) {
	var (
		db      *sql.DB
		dialect audit.Dialect
		err     error
	)
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		dialect = audit.DialectPostgres
	} else {
		db, err = sql.Open("sqlite", cfg.DatabaseURL)
		if db != nil {
			db.SetMaxOpenConns(1)
		}
		dialect = audit.DialectSQLite
	}
	if err != nil {
		return nil, dialect, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dialect, fmt.Errorf("ping database: %w", err)
	}
	return db, dialect, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func loadProfile(cfg *config.Config) (*config.Profile, error) {
	if cfg.ProfilePath == "" {
		return config.DefaultProfile(), nil
	}
	return config.LoadProfile(cfg.ProfilePath)
}

func observabilityConfig() *observability.Config {
	obsCfg := observability.DefaultConfig()
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
		obsCfg.Insecure = true
	} else {
		obsCfg.Enabled = false
	}
	return obsCfg
}

//nolint:gocognit
func runServer() {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	profile, err := loadProfile(cfg)
	if err != nil {
		log.Fatalf("Failed to load profile: %v", err)
	}
	if err := profile.Validate(); err != nil {
		log.Fatalf("Invalid profile: %v", err)
	}

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()
	log.Println("[replend] database: connected")

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		log.Fatalf("Failed to init store: %v", err)
	}
	auditor := audit.NewWriter(dialect)
	if err := auditor.Init(ctx, db); err != nil {
		log.Fatalf("Failed to init audit writer: %v", err)
	}
	log.Println("[replend] store: ready")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis ping failed: %v", err)
	}
	defer rdb.Close()
	log.Println("[replend] redis: connected")

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	pending, completed, failed := profile.ClaimTTLs()
	claims := claim.NewRedisStore(rdb, claim.TTLConfig{
		Pending:   pending,
		Completed: completed,
		Failed:    failed,
	})

	bus := events.NewRedisBus(rdb, logger)
	bus.ReclaimAfter = time.Duration(profile.Events.ReclaimSeconds) * time.Second

	engine := lifecycle.NewEngine(st, auditor, bus, logger).WithObservability(obs)

	// The scan entrypoint; an API layer in front of the daemon mounts
	// this, the scan subcommand exercises it directly.
	_ = trigger.NewService(claims, engine, logger).WithObservability(obs)

	for _, raw := range strings.Split(cfg.LoopTypes, ",") {
		lt := card.LoopType(strings.TrimSpace(raw))
		switch lt {
		case card.LoopProcurement, card.LoopProduction, card.LoopTransfer:
		default:
			log.Fatalf("Unknown loop type %q in LOOP_TYPES", raw)
		}
		orch := automation.New(lt, st, engine, auditor, bus, logger).WithObservability(obs)
		orch.MaxRetries = profile.Retry.MaxRetries
		orch.Register(bus)
		log.Printf("[replend] orchestrator: %s", lt)
	}

	busCtx, stopBus := context.WithCancel(ctx)
	defer stopBus()
	if err := bus.Start(busCtx); err != nil {
		log.Fatalf("Failed to start event bus: %v", err)
	}

	log.Println("[replend] ready")
	log.Println("[replend] press ctrl+c to stop")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[replend] shutting down")

	stopBus()
	if err := bus.Close(); err != nil {
		logger.Error("event bus close", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown", "error", err)
	}
}

func runScanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID string
		cardID   string
		key      string
		actor    string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&cardID, "card", "", "Card ID (REQUIRED)")
	cmd.StringVar(&key, "key", "", "Idempotency key (REQUIRED)")
	cmd.StringVar(&actor, "actor", "cli", "Acting identity")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" || cardID == "" || key == "" {
		fmt.Fprintln(stderr, "Error: --tenant, --card, and --key are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg)

	profile, err := loadProfile(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading profile: %v\n", err)
		return 2
	}

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer db.Close()

	st := store.New(db)
	auditor := audit.NewWriter(dialect)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	pending, completed, failed := profile.ClaimTTLs()
	claims := claim.NewRedisStore(rdb, claim.TTLConfig{
		Pending:   pending,
		Completed: completed,
		Failed:    failed,
	})

	bus := events.NewRedisBus(rdb, logger)
	engine := lifecycle.NewEngine(st, auditor, bus, logger)
	svc := trigger.NewService(claims, engine, logger)

	res, err := svc.HandleScan(ctx, trigger.ScanRequest{
		TenantID:       tenantID,
		CardID:         cardID,
		IdempotencyKey: key,
		Actor:          actor,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Scan failed: %v\n", err)
		return 1
	}

	out := map[string]any{
		"card":     res.Card,
		"replayed": res.Replayed,
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenantID string
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	db, _, err := openDatabase(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer db.Close()

	if err := audit.Verify(ctx, db, tenantID); err != nil {
		fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Audit chain verified: tenant %s\n", tenantID)
	return 0
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID string
		outPath  string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path (default stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	db, _, err := openDatabase(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer db.Close()

	bundle, err := audit.Export(ctx, db, tenantID)
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}
	if outPath == "" {
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		fmt.Fprintf(stderr, "Error writing %s: %v\n", outPath, err)
		return 1
	}
	fmt.Fprintf(stdout, "Exported %d entries: %s\n", len(bundle.Entries), outPath)
	return 0
}
