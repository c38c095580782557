package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/convoflow/convoflow/internal/api"
	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/genai"
	"github.com/convoflow/convoflow/internal/lockfile"
	"github.com/convoflow/convoflow/internal/messaging"
	"github.com/convoflow/convoflow/internal/reaper"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/twiliowhatsapp"
	"github.com/convoflow/convoflow/internal/util"
	"github.com/convoflow/convoflow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ConvoFlow state data
	DefaultStateDir = "/var/lib/convoflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "convoflow.db"
	// DefaultSessionDBFileName is the default whatsmeow session database filename
	DefaultSessionDBFileName = "whatsmeow.db"
	// DefaultChannel is the messaging transport used when none is configured
	DefaultChannel = "whatsapp"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a file-based state directory.
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Bootstrapping ConvoFlow with configured modules")
	slog.Debug("Final configuration",
		"channel", *flags.channel,
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr)
	if err := run(ctx, flags, config); err != nil {
		slog.Error("ConvoFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ConvoFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	Channel      string
	DatabaseURL  string
	SessionDSN   string
	StateDir     string
	OpenAIKey    string
	APIAddr      string
	ReapSchedule string
	MaxIdle      time.Duration
	ExpiryText   string
}

// Flags holds command line flag values
type Flags struct {
	channel      *string
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	sessionDSN   *string
	openaiKey    *string
	apiAddr      *string
	reapSchedule *string
}

// initializeLogger sets up structured logging; CONVOFLOW_DEBUG=false
// raises the level to info.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CONVOFLOW_DEBUG", true) {
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
		Channel:      os.Getenv("CONVOFLOW_CHANNEL"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SessionDSN:   os.Getenv("WHATSAPP_SESSION_DSN"),
		StateDir:     os.Getenv("CONVOFLOW_STATE_DIR"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		APIAddr:      os.Getenv("API_ADDR"),
		ReapSchedule: os.Getenv("REAPER_SCHEDULE"),
		MaxIdle:      util.ParseDurationEnv("STATE_MAX_IDLE", reaper.DefaultMaxIdle),
		ExpiryText:   os.Getenv("STATE_EXPIRY_TEXT"),
	}

	if config.Channel == "" {
		config.Channel = DefaultChannel
		slog.Debug("No CONVOFLOW_CHANNEL set, using default", "channel", config.Channel)
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONVOFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// With no database URL, fall back to SQLite in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	// The whatsmeow session store gets its own SQLite file unless told otherwise.
	if config.SessionDSN == "" {
		if store.DetectDSNType(config.DatabaseURL) == "postgres" {
			config.SessionDSN = config.DatabaseURL
			slog.Debug("Using DATABASE_URL for the WhatsApp session store")
		} else {
			config.SessionDSN = "file:" + filepath.Join(config.StateDir, DefaultSessionDBFileName) + "?_foreign_keys=on"
			slog.Debug("No session DSN provided, defaulting to SQLite", "session_dsn", config.SessionDSN)
		}
	}

	slog.Debug("environment variables loaded",
		"CONVOFLOW_CHANNEL", config.Channel,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_SESSION_DSN_SET", config.SessionDSN != "",
		"CONVOFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REAPER_SCHEDULE", config.ReapSchedule,
		"STATE_MAX_IDLE", config.MaxIdle)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		channel:      flag.String("channel", config.Channel, "messaging transport: whatsapp or twilio (overrides $CONVOFLOW_CHANNEL)"),
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for ConvoFlow data (overrides $CONVOFLOW_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the flow store (overrides $DATABASE_URL)"),
		sessionDSN:   flag.String("session-dsn", config.SessionDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_SESSION_DSN)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		reapSchedule: flag.String("reap-schedule", config.ReapSchedule, "cron schedule for idle state cleanup (overrides $REAPER_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"channel", *flags.channel,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"reapSchedule", *flags.reapSchedule)

	// Follow a relocated state directory when the DSN was derived from it.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// run wires the store, engine, transport, reaper, and API together and
// serves until the context is cancelled.
func run(ctx context.Context, flags Flags, config Config) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	orchestrator := engine.NewOrchestrator(st)
	engine.RegisterAccountCapabilities(st)

	// Optional generation capability for flows that use it.
	if *flags.openaiKey != "" {
		genaiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			return err
		}
		genaiClient.Register()
	} else {
		slog.Warn("No OpenAI API key configured, generation steps will fail at runtime")
	}

	service, twilioSvc, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	dispatcher := messaging.NewDispatcher(service)
	pump := messaging.NewPump(service, orchestrator)
	if err := pump.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := service.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}()

	rp := reaper.New(st, buildReaperOptions(flags, config, dispatcher)...)
	if err := rp.Start(); err != nil {
		return err
	}
	defer rp.Stop()

	server := api.NewServer(st, orchestrator, dispatcher, twilioSvc, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// buildStore opens the flow store backend matching the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService creates the configured transport. The returned
// TwilioService is nil unless the Twilio channel is selected; the API
// server uses it to mount the inbound webhook.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	default:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.sessionDSN != "" {
		waOpts = append(waOpts, whatsapp.WithSessionDSN(*flags.sessionDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildReaperOptions constructs idle state reaper configuration options
func buildReaperOptions(flags Flags, config Config, dispatcher *messaging.Dispatcher) []reaper.Option {
	var reaperOpts []reaper.Option
	if *flags.reapSchedule != "" {
		reaperOpts = append(reaperOpts, reaper.WithSchedule(*flags.reapSchedule))
	}
	if config.MaxIdle > 0 {
		reaperOpts = append(reaperOpts, reaper.WithMaxIdle(config.MaxIdle))
	}
	if config.ExpiryText != "" {
		reaperOpts = append(reaperOpts, reaper.WithNotifier(dispatcher, config.ExpiryText))
	}
	return reaperOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
