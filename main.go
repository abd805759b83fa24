package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/api"
	"github.com/clearledger/deposit-reconciler/internal/classify"
	"github.com/clearledger/deposit-reconciler/internal/ingest"
	"github.com/clearledger/deposit-reconciler/internal/matcher"
	"github.com/clearledger/deposit-reconciler/internal/models"
	"github.com/clearledger/deposit-reconciler/internal/store"
	"github.com/clearledger/deposit-reconciler/internal/workflow"
)

const version = "1.0.0"

func main() {
	serveFlag := flag.Bool("serve", false, "Run the HTTP API instead of a one-shot ingestion")
	memoryFlag := flag.Bool("memory", false, "Use the in-memory store (dry runs, no database)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	helpFlag := flag.Bool("help", false, "Show usage help")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Deposit Reconciler

Ingests bank statement files, classifies deposits by payment channel,
and reconciles them against daily point-of-sale payment totals.

Usage:
  deposit-reconciler [flags] <statement.ofx> [statement2.ofx ...]
  deposit-reconciler -serve

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest statement files into the configured database
  deposit-reconciler january.ofx february.qfx

  # Parse statements without touching the database
  deposit-reconciler -memory statement.ofx

  # Run the HTTP API
  deposit-reconciler -serve

Configuration is read from the environment (a .env file is honored):
  DB_DRIVER, DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, API_PORT
`)
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("deposit-reconciler v%s\n", version)
		os.Exit(0)
	}
	if *helpFlag || (!*serveFlag && flag.NArg() == 0) {
		flag.Usage()
		os.Exit(0)
	}

	// Same pattern as a compose deployment: .env when present, real
	// environment otherwise.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded configuration from .env")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	var st store.Store
	if *memoryFlag {
		st = store.NewMemory()
	} else {
		db, err := store.Open(store.DBConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "127.0.0.1"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "reconciler"),
		})
		if err != nil {
			fatalf("database: %v\n", err)
		}
		st = db
	}

	classifier := classify.New(classify.NewMarkerPolicy(splitList(os.Getenv("CARD_MARKERS"))), logger)
	pipeline := ingest.New(st, classifier, logger)

	if *serveFlag {
		serve(st, pipeline, matcherConfig(), logger)
		return
	}

	ingestFiles(pipeline, flag.Args())
}

// ingestFiles runs a one-shot ingestion of statement files named on the
// command line and prints a per-file summary.
func ingestFiles(pipeline *ingest.Pipeline, paths []string) {
	files := make([]models.RawStatementFile, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fatalf("read %s: %v\n", path, err)
		}
		files = append(files, models.RawStatementFile{Filename: path, Data: data})
	}

	results := pipeline.Ingest(context.Background(), files)

	failed := 0
	for _, r := range results {
		fmt.Printf("Processing: %s\n", r.Filename)
		if r.Err != nil {
			failed++
			fmt.Printf("  Error: %v\n", r.Err)
			continue
		}
		fmt.Printf("  Account: %s\n", r.BankAccountID)
		fmt.Printf("  Deposits: %d (%d new)\n", r.Deposits, r.Inserted)
	}
	if failed > 0 {
		fatalf("%d of %d file(s) failed\n", failed, len(results))
	}
	fmt.Println("Done.")
}

// serve runs the Fiber API until the process is killed.
func serve(st store.Store, pipeline *ingest.Pipeline, cfg matcher.Config, logger *log.Logger) {
	h := &api.Handler{
		Pipeline: pipeline,
		Matcher:  matcher.New(st, cfg),
		Workflow: workflow.New(st),
		Store:    st,
		Logger:   logger,
	}

	app := fiber.New(fiber.Config{
		AppName:   "deposit-reconciler v" + version,
		BodyLimit: 32 << 20,
	})
	h.RegisterRoutes(app)

	addr := ":" + getEnv("API_PORT", "8080")
	logger.Printf("listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		fatalf("server: %v\n", err)
	}
}

// matcherConfig reads matching tuning from the environment, falling back to
// the defaults for anything absent or unparseable.
func matcherConfig() matcher.Config {
	cfg := matcher.DefaultConfig()
	if v := os.Getenv("MATCH_WINDOW_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.WindowDays = days
		}
	}
	if v := os.Getenv("MATCH_TOLERANCE"); v != "" {
		if tol, err := decimal.NewFromString(v); err == nil && tol.IsPositive() {
			cfg.AmountTolerance = tol
		}
	}
	return cfg
}

// splitList parses a comma-separated env value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
