package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/messaging"
	"github.com/BTreeMap/StudyPush/internal/protocol"
	"github.com/BTreeMap/StudyPush/internal/schedule"
	"github.com/BTreeMap/StudyPush/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StudyPush state data
	DefaultStateDir = "/var/lib/studypush"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "studypush.db"
	// DefaultAPIAddr is the default listen address of the HTTP API
	DefaultAPIAddr = ":8080"
	// DefaultRefreshCron runs the full schedule refresh nightly
	DefaultRefreshCron = "0 3 * * *"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(flags.logLevel)
	slog.Debug("Final configuration",
		"state_dir", flags.stateDir,
		"postgres", strings.HasPrefix(flags.dbDSN, "postgres"),
		"api_addr", flags.apiAddr,
		"protocol_dir", flags.protocolDir,
		"refresh_cron", flags.refreshCron,
		"twilio", flags.twilioSID != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, flags); err != nil {
		slog.Error("StudyPush failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StudyPush exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	APIAddr           string
	ProtocolDir       string
	ProtocolTTL       time.Duration
	ProtocolRetry     time.Duration
	ProtocolPathTTL   time.Duration
	ProtocolPathRetry time.Duration
	WatchProtocols    bool
	RefreshCron       string
	PollInterval      time.Duration
	MaxAttempts       int
	SendRate          int
	GeneratorWorkers  int
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFrom        string
	TwilioCallbackURL string
	LogLevel          string
}

// Flags holds the effective configuration after command line overrides
type Flags struct {
	stateDir          string
	dbDSN             string
	apiAddr           string
	protocolDir       string
	protocolTTL       time.Duration
	protocolRetry     time.Duration
	protocolPathTTL   time.Duration
	protocolPathRetry time.Duration
	watchProtocols    bool
	refreshCron       string
	pollInterval      time.Duration
	maxAttempts       int
	sendRate          int
	generatorWorkers  int
	twilioSID         string
	twilioToken       string
	twilioFrom        string
	twilioCallbackURL string
	logLevel          string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          util.EnvOr("STUDYPUSH_STATE_DIR", DefaultStateDir),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           util.EnvOr("API_ADDR", DefaultAPIAddr),
		ProtocolDir:       os.Getenv("PROTOCOL_DIR"),
		ProtocolTTL:       util.ParseDurationEnv("PROTOCOL_TTL", protocol.DefaultDirectoryTTL),
		ProtocolRetry:     util.ParseDurationEnv("PROTOCOL_RETRY", protocol.DefaultDirectoryRetry),
		ProtocolPathTTL:   util.ParseDurationEnv("PROTOCOL_PATH_TTL", protocol.DefaultPathTTL),
		ProtocolPathRetry: util.ParseDurationEnv("PROTOCOL_PATH_RETRY", protocol.DefaultPathRetry),
		WatchProtocols:    util.ParseBoolEnv("WATCH_PROTOCOLS", false),
		RefreshCron:       util.EnvOr("REFRESH_CRON", DefaultRefreshCron),
		PollInterval:      util.ParseDurationEnv("ENGINE_POLL_INTERVAL", engine.DefaultPollInterval),
		MaxAttempts:       util.ParseIntEnv("ENGINE_MAX_ATTEMPTS", 1),
		SendRate:          util.ParseIntEnv("SEND_RATE_PER_SEC", messaging.DefaultRatePerSecond),
		GeneratorWorkers:  util.ParseIntEnv("GENERATOR_WORKERS", schedule.DefaultWorkers),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioCallbackURL: os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
		LogLevel:          util.EnvOr("LOG_LEVEL", "info"),
	}
	if config.ProtocolDir == "" {
		config.ProtocolDir = filepath.Join(config.StateDir, "protocols")
	}

	slog.Debug("environment variables loaded",
		"STUDYPUSH_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"PROTOCOL_DIR", config.ProtocolDir,
		"REFRESH_CRON", config.RefreshCron,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("studypush", flag.ContinueOnError)
	var f Flags
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for StudyPush data (overrides $STUDYPUSH_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "postgres DSN or sqlite path (overrides $DATABASE_URL; default <state-dir>/"+DefaultDBFileName+")")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.protocolDir, "protocol-dir", config.ProtocolDir, "protocol directory (overrides $PROTOCOL_DIR)")
	fs.DurationVar(&f.protocolTTL, "protocol-ttl", config.ProtocolTTL, "protocol directory cache TTL (overrides $PROTOCOL_TTL)")
	fs.DurationVar(&f.protocolRetry, "protocol-retry", config.ProtocolRetry, "protocol directory retry time (overrides $PROTOCOL_RETRY)")
	fs.DurationVar(&f.protocolPathTTL, "protocol-path-ttl", config.ProtocolPathTTL, "protocol path cache TTL (overrides $PROTOCOL_PATH_TTL)")
	fs.DurationVar(&f.protocolPathRetry, "protocol-path-retry", config.ProtocolPathRetry, "protocol path retry time (overrides $PROTOCOL_PATH_RETRY)")
	fs.BoolVar(&f.watchProtocols, "watch-protocols", config.WatchProtocols, "reload protocols when files change (overrides $WATCH_PROTOCOLS)")
	fs.StringVar(&f.refreshCron, "refresh-cron", config.RefreshCron, "cron expression of the full schedule refresh, empty to disable (overrides $REFRESH_CRON)")
	fs.DurationVar(&f.pollInterval, "poll-interval", config.PollInterval, "engine poll interval (overrides $ENGINE_POLL_INTERVAL)")
	fs.IntVar(&f.maxAttempts, "max-attempts", config.MaxAttempts, "delivery attempts per message (overrides $ENGINE_MAX_ATTEMPTS)")
	fs.IntVar(&f.sendRate, "send-rate", config.SendRate, "messages sent per second (overrides $SEND_RATE_PER_SEC)")
	fs.IntVar(&f.generatorWorkers, "generator-workers", config.GeneratorWorkers, "concurrent schedule generations (overrides $GENERATOR_WORKERS)")
	fs.StringVar(&f.logLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	f.twilioSID, f.twilioToken, f.twilioFrom = config.TwilioAccountSID, config.TwilioAuthToken, config.TwilioFrom
	f.twilioCallbackURL = config.TwilioCallbackURL

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.dbDSN == "" {
		f.dbDSN = filepath.Join(f.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", f.dbDSN)
	}
	if f.protocolDir == filepath.Join(config.StateDir, "protocols") && f.stateDir != config.StateDir {
		f.protocolDir = filepath.Join(f.stateDir, "protocols")
	}
	if f.maxAttempts < 1 {
		return Flags{}, fmt.Errorf("max-attempts must be at least 1, got %d", f.maxAttempts)
	}
	return f, nil
}
