package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CareCall/internal/adherence"
	"github.com/BTreeMap/CareCall/internal/api"
	"github.com/BTreeMap/CareCall/internal/lockfile"
	"github.com/BTreeMap/CareCall/internal/notify"
	"github.com/BTreeMap/CareCall/internal/orchestrator"
	"github.com/BTreeMap/CareCall/internal/realtime"
	"github.com/BTreeMap/CareCall/internal/scheduler"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/timer"
	"github.com/BTreeMap/CareCall/internal/twiliovoice"
	"github.com/BTreeMap/CareCall/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareCall state data
	DefaultStateDir = "/var/lib/carecall"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carecall.db"
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Single-instance guard: the scheduler assumes it is the only writer of
	// reminder triggers and retry timers.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire instance lock", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("Failed to release instance lock", "error", err)
		}
	}()

	slog.Info("Bootstrapping CareCall with configured modules")
	if err := run(flags); err != nil {
		slog.Error("CareCall failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareCall exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
	BaseURL     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir *string
	dbDSN    *string
	apiAddr  *string
	baseURL  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CARECALL_STATE_DIR"),
		APIAddr:     os.Getenv("CARECALL_API_ADDR"),
		BaseURL:     os.Getenv("CARECALL_BASE_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CARECALL_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CARECALL_STATE_DIR", config.StateDir,
		"CARECALL_API_ADDR", config.APIAddr,
		"CARECALL_BASE_URL_SET", config.BaseURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir: flag.String("state-dir", config.StateDir, "state directory for CareCall data (overrides $CARECALL_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN: postgres:// URL or SQLite file path (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $CARECALL_API_ADDR)"),
		baseURL:  flag.String("base-url", config.BaseURL, "public base URL for Twilio webhooks (overrides $CARECALL_BASE_URL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"baseURL_set", *flags.baseURL != "")

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) != "postgres" {
		slog.Debug("Creating state directory", "state_dir", *flags.stateDir)
		if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStore selects the storage backend by DSN: postgres:// URLs get the
// PostgreSQL store, anything else is a SQLite path, and an empty DSN
// defaults to a SQLite database in the state directory.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite in state dir", "sqlite_path", dsn)
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildEmailSender constructs the optional SMTP notification channel.
// Without SMTP configuration email notifications degrade to log-only.
func buildEmailSender() notify.EmailSender {
	if !util.ParseBoolEnv("CARECALL_EMAIL_ENABLED", true) {
		slog.Info("Email notifications disabled by CARECALL_EMAIL_ENABLED")
		return nil
	}
	if os.Getenv("SMTP_HOST") == "" {
		slog.Debug("SMTP_HOST not set, email notifications disabled")
		return nil
	}
	sender, err := notify.NewGomailSender()
	if err != nil {
		slog.Error("Failed to configure email sender, continuing without email", "error", err)
		return nil
	}
	return sender
}

func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	var voiceOpts []twiliovoice.Option
	if *flags.baseURL != "" {
		voiceOpts = append(voiceOpts, twiliovoice.WithBaseURL(strings.TrimRight(*flags.baseURL, "/")))
	}
	voice, err := twiliovoice.NewClient(voiceOpts...)
	if err != nil {
		return err
	}

	hub := realtime.NewHub()
	defer hub.Close()

	notifier := notify.NewNotifier(st, voice, buildEmailSender(), hub)

	timers := timer.NewRetryTimer()
	defer timers.Stop()

	orch := orchestrator.NewOrchestrator(st, voice, notifier, timers, voice.GatherCallbackURL())

	sched := scheduler.NewScheduler(func(patientID, medicationID string) {
		orch.FireReminder(context.Background(), patientID, medicationID)
	})
	defer sched.Stop()

	// Install reminder triggers for every active patient at boot so the
	// schedule survives restarts without a durable job queue.
	patients, err := st.ListActivePatients()
	if err != nil {
		return err
	}
	installed := sched.ScheduleAll(patients)
	slog.Info("Reminder schedule installed", "patients", len(patients), "triggers", installed)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, orch, sched, adherence.NewReporter(st), hub, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}
