// Options Chain Collector CLI
// This application fetches and stores historical options chain snapshots,
// managing a pool of provider API keys under a per-key daily call limit.
//
// Usage:
//
//	optchain fetch --symbol DELL --date 2024-06-25
//	optchain backfill --symbols DELL,HPQ --start 2024-06-01 --end 2024-06-30 --weekdays
//	optchain keys add <api-key>
//	optchain keys list
//	optchain usage --date 2024-06-25
//
// For detailed help on any command, use: optchain <command> --help
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ArnoldWan/options-chain-collector/internal/alphavantage"
	"github.com/ArnoldWan/options-chain-collector/internal/config"
	apperrors "github.com/ArnoldWan/options-chain-collector/internal/errors"
	"github.com/ArnoldWan/options-chain-collector/internal/logger"
	"github.com/ArnoldWan/options-chain-collector/internal/models"
	"github.com/ArnoldWan/options-chain-collector/internal/pipeline"
	"github.com/ArnoldWan/options-chain-collector/internal/quota"
	"github.com/ArnoldWan/options-chain-collector/internal/storage"
)

const (
	Version    = "1.0.0"
	AppName    = "optchain"
	ConfigFile = "optchain.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

// CLI wires the application components behind the subcommands.
type CLI struct {
	config   *config.AppConfig
	logMgr   *logger.Manager
	logger   *slog.Logger
	store    storage.Store
	ledger   *quota.Ledger
	pipeline *pipeline.Pipeline
	runner   *pipeline.Runner
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown()

	var err error
	switch command {
	case "fetch":
		err = cli.handleFetch(ctx, args)
	case "backfill":
		err = cli.handleBackfill(ctx, args)
	case "keys":
		err = cli.handleKeys(ctx, args)
	case "usage":
		err = cli.handleUsage(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		if ctx.Err() != nil {
			cli.logger.Warn("interrupted", "command", command)
			os.Exit(ExitInterrupt)
		}
		cli.logger.Error("command failed", "command", command, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDataError)
	}
}

// initialize loads configuration and builds the component graph.
func (cli *CLI) initialize(ctx context.Context) error {
	// A missing .env file is fine; environment variables still apply.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat(ConfigFile); err == nil {
			configPath = ConfigFile
		}
	}

	cfg, err := config.Load(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logMgr, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logMgr = logMgr
	cli.logger = logMgr.Logger()

	store, err := createStorage(cfg, logMgr)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	cli.store = store

	localTZ, err := time.LoadLocation(cfg.Quota.LocalTimezone)
	if err != nil {
		return fmt.Errorf("failed to load local timezone: %w", err)
	}

	ledger, err := quota.NewLedger(store, quota.Config{
		DailyLimit:        cfg.Quota.DailyLimit,
		ReferenceTimezone: cfg.Quota.ReferenceTimezone,
		LocalTimezone:     localTZ,
		Logger:            logMgr.Component("quota"),
	})
	if err != nil {
		return fmt.Errorf("failed to create quota ledger: %w", err)
	}
	cli.ledger = ledger

	client := alphavantage.NewClient(alphavantage.Config{
		BaseURL:           cfg.Provider.BaseURL,
		Timeout:           cfg.HTTPTimeout(),
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Logger:            logMgr.Component("alphavantage"),
	})

	cli.pipeline = pipeline.New(store, client, ledger, logMgr.Component("pipeline"))

	retry := apperrors.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Runner.RetryAttempts
	cli.runner = pipeline.NewRunner(cli.pipeline, pipeline.RunnerConfig{
		WorkerCount: cfg.Runner.WorkerCount,
		Retry:       retry,
		Logger:      logMgr.Component("runner"),
	})

	return nil
}

func (cli *CLI) shutdown() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Error("failed to close storage", "error", err)
		}
	}
	if cli.logMgr != nil {
		_ = cli.logMgr.Close()
	}
}

// createStorage builds the configured storage backend.
func createStorage(cfg *config.AppConfig, logMgr *logger.Manager) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(cfg.Storage.DatabaseURL, logMgr.Component("storage"))
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// FetchFlags holds flags for the fetch command.
type FetchFlags struct {
	Symbol string
	Date   string
	Help   bool
}

// handleFetch runs a single work unit to a terminal state.
func (cli *CLI) handleFetch(ctx context.Context, args []string) error {
	flags, err := parseFetchFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("fetch")
		return nil
	}
	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	if flags.Date == "" {
		return fmt.Errorf("--date is required")
	}

	outcome, err := cli.pipeline.Process(ctx, flags.Symbol, flags.Date)
	if err != nil {
		return err
	}

	fmt.Println(outcome.String())
	if outcome.Status == pipeline.StatusNoKey {
		return fmt.Errorf("all api keys are at the daily limit")
	}
	return nil
}

func parseFetchFlags(args []string) (*FetchFlags, error) {
	flags := &FetchFlags{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--date", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--date requires a value")
			}
			flags.Date = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// BackfillFlags holds flags for the backfill command.
type BackfillFlags struct {
	Symbols  string
	Start    string
	End      string
	Weekdays bool
	Help     bool
}

// handleBackfill expands a symbol/date range into work units and runs
// them through the batch runner.
func (cli *CLI) handleBackfill(ctx context.Context, args []string) error {
	flags, err := parseBackfillFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("backfill")
		return nil
	}
	if flags.Symbols == "" {
		return fmt.Errorf("--symbols is required")
	}
	if flags.Start == "" || flags.End == "" {
		return fmt.Errorf("both --start and --end are required")
	}

	start, err := time.Parse(models.SnapshotDateLayout, flags.Start)
	if err != nil {
		return fmt.Errorf("invalid start date format, use YYYY-MM-DD: %w", err)
	}
	end, err := time.Parse(models.SnapshotDateLayout, flags.End)
	if err != nil {
		return fmt.Errorf("invalid end date format, use YYYY-MM-DD: %w", err)
	}
	if start.After(end) {
		return fmt.Errorf("start date cannot be after end date")
	}

	symbols := splitSymbols(flags.Symbols)
	if len(symbols) == 0 {
		return fmt.Errorf("--symbols contained no symbols")
	}

	units := expandWorkUnits(symbols, start, end, flags.Weekdays)
	cli.logger.Info("starting backfill",
		"symbols", symbols,
		"start", flags.Start,
		"end", flags.End,
		"units", len(units))

	summary, err := cli.runner.Run(ctx, units)
	fmt.Println(summary.String())

	stats := cli.pipeline.Stats()
	cli.logger.Info("backfill finished",
		"processed", stats.Processed,
		"persisted", stats.Persisted,
		"records", stats.Records,
		"fetch_errors", stats.FetchErrors,
		"avg_duration", stats.AvgDuration.Round(time.Millisecond))
	return err
}

func parseBackfillFlags(args []string) (*BackfillFlags, error) {
	flags := &BackfillFlags{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbols", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbols requires a value")
			}
			flags.Symbols = args[i+1]
			i++
		case "--start":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--weekdays":
			flags.Weekdays = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// splitSymbols parses a comma-separated symbol list, dropping empties.
func splitSymbols(s string) []string {
	var symbols []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			symbols = append(symbols, strings.ToUpper(part))
		}
	}
	return symbols
}

// expandWorkUnits produces one unit per symbol per date in [start, end].
// With weekdaysOnly set, Saturdays and Sundays are left out; the provider
// has no quotes for non-trading days.
func expandWorkUnits(symbols []string, start, end time.Time, weekdaysOnly bool) []models.WorkUnit {
	var units []models.WorkUnit
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if weekdaysOnly {
			if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
		}
		date := d.Format(models.SnapshotDateLayout)
		for _, symbol := range symbols {
			units = append(units, models.WorkUnit{Symbol: symbol, Date: date})
		}
	}
	return units
}

// handleKeys provisions and inspects the API key pool.
func (cli *CLI) handleKeys(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCommandHelp("keys")
		return fmt.Errorf("keys requires a subcommand: add, list")
	}

	switch args[0] {
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("keys add requires an api key argument")
		}
		key, err := cli.store.AddKey(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("added key %s (id %d)\n", key.String(), key.ID)
		return nil
	case "list":
		keys, err := cli.store.ListKeys(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no api keys provisioned")
			return nil
		}
		for _, key := range keys {
			fmt.Printf("%4d  %s  %s\n", key.ID, key.String(), key.CreatedAt.Format(time.RFC3339))
		}
		return nil
	case "--help", "-h":
		printCommandHelp("keys")
		return nil
	default:
		return fmt.Errorf("unknown keys subcommand: %s", args[0])
	}
}

// UsageFlags holds flags for the usage command.
type UsageFlags struct {
	Date string
	Help bool
}

// handleUsage prints per-key call counts for one quota day.
func (cli *CLI) handleUsage(ctx context.Context, args []string) error {
	flags := &UsageFlags{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--date", "-d":
			if i+1 >= len(args) {
				return fmt.Errorf("--date requires a value")
			}
			flags.Date = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if flags.Help {
		printCommandHelp("usage")
		return nil
	}

	date := flags.Date
	if date == "" {
		date = cli.ledger.Today()
	} else if _, err := time.Parse(models.SnapshotDateLayout, date); err != nil {
		return fmt.Errorf("invalid date format, use YYYY-MM-DD: %w", err)
	}

	counts, err := cli.store.UsageCounts(ctx, date)
	if err != nil {
		return err
	}

	fmt.Printf("usage for %s (limit %d per key):\n", date, cli.ledger.Limit())
	if len(counts) == 0 {
		fmt.Println("  no usage recorded")
		return nil
	}
	for _, usage := range counts {
		fmt.Printf("  %s  %d/%d\n", models.APIKey{Key: usage.Key}.String(), usage.Count, cli.ledger.Limit())
	}
	return nil
}

func printUsage() {
	fmt.Printf(`%s - Options Chain Collector CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    fetch       Fetch and store one options chain snapshot
    backfill    Fetch a range of symbols and dates through the worker pool
    keys        Manage the provider API key pool (add, list)
    usage       Show per-key daily call counts

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Fetch the DELL chain as of one trading day
    %s fetch --symbol DELL --date 2024-06-25

    # Backfill two symbols across June, trading days only
    %s backfill --symbols DELL,HPQ --start 2024-06-01 --end 2024-06-30 --weekdays

    # Provision a provider key and inspect the pool
    %s keys add XXXXXXXXXXXXXXXX
    %s keys list

    # Show today's quota consumption
    %s usage

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON format), or CONFIG_PATH
    - Environment variables (DATABASE_URL, DAILY_LIMIT, LOG_LEVEL, ...)
    - A .env file in the working directory
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, AppName, ConfigFile)
}

func printCommandHelp(command string) {
	switch command {
	case "fetch":
		fmt.Printf(`%s fetch - Fetch and store one options chain snapshot

USAGE:
    %s fetch --symbol <SYMBOL> --date <YYYY-MM-DD>

OPTIONS:
    --symbol, -s  Underlying ticker symbol (required)
    --date, -d    Trading date of the snapshot (required)

The fetch is skipped when the snapshot already exists, and consumes one
call slot from the key pool only when data is persisted.
`, AppName, AppName)
	case "backfill":
		fmt.Printf(`%s backfill - Fetch a range of symbols and dates

USAGE:
    %s backfill --symbols <A,B,...> --start <YYYY-MM-DD> --end <YYYY-MM-DD> [--weekdays]

OPTIONS:
    --symbols, -s  Comma-separated ticker symbols (required)
    --start        First date, inclusive (required)
    --end          Last date, inclusive (required)
    --weekdays     Skip Saturdays and Sundays

The run stops handing out new units once every key reaches its daily
limit; unprocessed units are reported in the summary.
`, AppName, AppName)
	case "keys":
		fmt.Printf(`%s keys - Manage the provider API key pool

USAGE:
    %s keys add <api-key>
    %s keys list
`, AppName, AppName, AppName)
	case "usage":
		fmt.Printf(`%s usage - Show per-key daily call counts

USAGE:
    %s usage [--date <YYYY-MM-DD>]

Defaults to today in the reference timezone.
`, AppName, AppName)
	default:
		fmt.Fprintf(os.Stderr, "No help available for command '%s'\n", command)
		printUsage()
	}
}
