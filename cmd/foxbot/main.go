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

	"github.com/jdtnmai/foxbot/internal/api"
	"github.com/jdtnmai/foxbot/internal/convstore"
	"github.com/jdtnmai/foxbot/internal/flow"
	"github.com/jdtnmai/foxbot/internal/lockfile"
	"github.com/jdtnmai/foxbot/internal/messaging"
	"github.com/jdtnmai/foxbot/internal/review"
	"github.com/jdtnmai/foxbot/internal/store"
	"github.com/jdtnmai/foxbot/internal/twiliowhatsapp"
	"github.com/jdtnmai/foxbot/internal/util"
	"github.com/jdtnmai/foxbot/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FoxBot state data
	DefaultStateDir = "/var/lib/foxbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "foxbot.db"
	// DefaultChannel is the messaging channel used when none is configured
	DefaultChannel = "whatsapp"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping FoxBot with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "channel", *flags.channel)
	if err := run(flags); err != nil {
		slog.Error("FoxBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FoxBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	Channel     string
	WhatsAppDSN string
	DatabaseURL string
	StateDir    string
	APIAddr     string
	ReviewCron  string
	ReviewIdle  time.Duration
	BotDSN      string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	channel    *string
	dbDSN      *string
	waDSN      *string
	apiAddr    *string
	reviewCron *string
	reviewIdle *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FOXBOT_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		Channel:     os.Getenv("FOXBOT_CHANNEL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("FOXBOT_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		ReviewCron:  os.Getenv("REVIEW_SCHEDULE"),
		ReviewIdle:  util.ParseDurationEnv("REVIEW_IDLE_THRESHOLD", review.DefaultIdleThreshold),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FOXBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("FOXBOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	if config.Channel == "" {
		config.Channel = DefaultChannel
	}

	// The bot store follows DATABASE_URL; when unset it falls back to SQLite
	// in the state directory.
	config.BotDSN = config.DatabaseURL
	if config.BotDSN == "" {
		config.BotDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.BotDSN)
	}

	// The whatsmeow session store keeps its own database.
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"FOXBOT_CHANNEL", config.Channel,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FOXBOT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"REVIEW_SCHEDULE", config.ReviewCron,
		"REVIEW_IDLE_THRESHOLD", config.ReviewIdle)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:   flag.String("qr-output", "", "path to write login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for FoxBot data (overrides $FOXBOT_STATE_DIR)"),
		channel:    flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $FOXBOT_CHANNEL)"),
		dbDSN:      flag.String("db-dsn", config.BotDSN, "database DSN for the bot store (overrides $DATABASE_URL)"),
		waDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		reviewCron: flag.String("review-cron", config.ReviewCron, "cron schedule for the idle conversation sweep (overrides $REVIEW_SCHEDULE)"),
		reviewIdle: flag.Duration("review-idle", config.ReviewIdle, "idle threshold before nudging a stalled conversation (overrides $REVIEW_IDLE_THRESHOLD)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"channel", *flags.channel,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"apiAddr", *flags.apiAddr,
		"reviewCron", *flags.reviewCron,
		"reviewIdle", *flags.reviewIdle)

	// Update database DSNs if not explicitly set but state directory changed
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated bot DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.waDSN == filepath.Join(config.StateDir, "whatsmeow.db") {
			*flags.waDSN = filepath.Join(*flags.stateDir, "whatsmeow.db")
			slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
			continue
		}
		dir := filepath.Dir(dsn)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildReviewOptions constructs idle sweep configuration options
func buildReviewOptions(flags Flags) []review.Option {
	var reviewOpts []review.Option
	if *flags.reviewCron != "" {
		reviewOpts = append(reviewOpts, review.WithSchedule(*flags.reviewCron))
	}
	if *flags.reviewIdle > 0 {
		reviewOpts = append(reviewOpts, review.WithIdleThreshold(*flags.reviewIdle))
	}
	return reviewOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// newMessagingService creates the configured channel service. The returned
// webhook is non-nil only for the Twilio channel.
func newMessagingService(flags Flags) (messaging.Service, api.TwilioWebhook, error) {
	switch *flags.channel {
	case "whatsapp":
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging channel: %s", *flags.channel)
	}
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Single-instance guard: the WhatsApp session must not be shared.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release instance lock", "error", err)
		}
	}()

	st, err := store.NewStore(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	outbox, ok := st.(store.OutboxRepo)
	if !ok {
		return fmt.Errorf("store %T does not provide an outbox", st)
	}

	service, webhook, err := newMessagingService(flags)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err := service.Stop(); err != nil {
			slog.Warn("Failed to stop messaging service", "error", err)
		}
	}()

	convs := convstore.New()
	tracking := messaging.NewTrackingRegistry()
	engine := flow.NewEngine(convs, st, outbox, flow.WithTracker(tracking))
	dispatcher := messaging.NewDispatcher(service, engine, tracking)
	sender := store.NewOutboxSender(outbox, dispatcher.SendFunc())

	reviewer := review.New(convs, st, outbox, buildReviewOptions(flags)...)
	if err := reviewer.Start(); err != nil {
		return fmt.Errorf("failed to start review sweep: %w", err)
	}
	defer reviewer.Stop()

	server := api.NewServer(st, convs, webhook, buildAPIOptions(flags)...)

	go dispatcher.Run(ctx)
	go sender.Run(ctx)

	slog.Info("FoxBot started", "channel", *flags.channel, "api_addr", *flags.apiAddr)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}
