package main

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/api"
	"github.com/BTreeMap/IntakePipe/internal/crm"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/lockfile"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/IntakePipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakePipe state data
	DefaultStateDir = "/var/lib/intakepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "intakepipe.db"
	// DefaultJudgeTimeout bounds a single answer judge call
	DefaultJudgeTimeout = 10 * time.Second
)

func main() {
	initializeLogger(os.Getenv("INTAKE_LOG_LEVEL"), util.ParseBoolEnv("INTAKE_LOG_JSON", false))

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only a file-backed store needs single-instance protection.
	if usesSQLite(flags) {
		lock, err := lockfile.AcquireLock(flags.stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("Failed to release state directory lock", "error", err)
			}
		}()
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	crmOpts := buildCRMOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping IntakePipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "twilio", len(twilioOpts), "crm", len(crmOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, genaiOpts, twilioOpts, crmOpts, apiOpts); err != nil {
		slog.Error("IntakePipe failed to run", "error", err)
		// os.Exit skips deferred calls; the kernel drops the flock anyway.
		os.Exit(1)
	}
	slog.Info("IntakePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseDSN      string
	RedisURL         string
	OpenAIKey        string
	OpenAIModel      string
	JudgeTimeout     time.Duration
	APIAddr          string
	GHLAPIKey        string
	GHLLocationID    string
	GHLAPIURL        string
	GHLWorkflowID    string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string
	DefaultTenantID  string
	QuestionCatalog  string
	SessionTTL       time.Duration
	PruneSchedule    string
	InboundRetention time.Duration
	RecoveryWindow   time.Duration
}

// Flags holds the final values after command line overrides.
type Flags struct {
	stateDir        string
	dbDSN           string
	redisURL        string
	openaiKey       string
	openaiModel     string
	judgeTimeout    time.Duration
	apiAddr         string
	ghlAPIKey       string
	ghlLocationID   string
	ghlAPIURL       string
	ghlWorkflowID   string
	twilioSID       string
	twilioToken     string
	twilioFrom      string
	webhookURL      string
	defaultTenantID string
	catalogPath     string
	sessionTTL      time.Duration
	pruneSchedule   string
	retention       time.Duration
	recoveryWindow  time.Duration
}

// initializeLogger sets up structured logging. Debug unless level says otherwise.
func initializeLogger(level string, jsonOutput bool) {
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, parseLogLevel(level), jsonOutput)))
}

// newLogHandler returns a text handler, or a JSON one for log collectors.
func newLogHandler(w io.Writer, level slog.Level, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("INTAKE_STATE_DIR"),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		JudgeTimeout:     util.ParseDurationEnv("JUDGE_TIMEOUT", DefaultJudgeTimeout),
		APIAddr:          os.Getenv("API_ADDR"),
		GHLAPIKey:        os.Getenv("GHL_API_KEY"),
		GHLLocationID:    os.Getenv("GHL_LOCATION_ID"),
		GHLAPIURL:        os.Getenv("GHL_API_URL"),
		GHLWorkflowID:    os.Getenv("GHL_WORKFLOW_ID"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		DefaultTenantID:  os.Getenv("DEFAULT_TENANT_ID"),
		QuestionCatalog:  os.Getenv("QUESTION_CATALOG"),
		SessionTTL:       util.ParseDurationEnv("SESSION_TTL", 0),
		PruneSchedule:    os.Getenv("INBOUND_PRUNE_SCHEDULE"),
		InboundRetention: util.ParseDurationEnv("INBOUND_RETENTION", 0),
		RecoveryWindow:   util.ParseDurationEnv("RECOVERY_WINDOW", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INTAKE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_DSN takes precedence over DATABASE_URL
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}

	// Without a database or Redis, default to SQLite in the state directory
	if config.DatabaseDSN == "" && config.RedisURL == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"INTAKE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"JUDGE_TIMEOUT", config.JudgeTimeout,
		"API_ADDR", config.APIAddr,
		"GHL_API_KEY_SET", config.GHLAPIKey != "",
		"GHL_LOCATION_ID", config.GHLLocationID,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_WEBHOOK_URL", config.TwilioWebhookURL,
		"DEFAULT_TENANT_ID", config.DefaultTenantID,
		"QUESTION_CATALOG", config.QuestionCatalog,
		"SESSION_TTL", config.SessionTTL,
		"INBOUND_PRUNE_SCHEDULE", config.PruneSchedule,
		"INBOUND_RETENTION", config.InboundRetention,
		"RECOVERY_WINDOW", config.RecoveryWindow)

	return config
}

// parseCommandLineFlags parses args into fs with environment values as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for IntakePipe data (overrides $INTAKE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseDSN, "SQLite path or Postgres DSN (overrides $DATABASE_DSN or $DATABASE_URL)")
	fs.StringVar(&f.redisURL, "redis-url", config.RedisURL, "Redis URL for the session store (overrides $REDIS_URL)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", config.OpenAIModel, "chat model for the answer judge (overrides $OPENAI_MODEL)")
	fs.DurationVar(&f.judgeTimeout, "judge-timeout", config.JudgeTimeout, "answer judge call timeout (overrides $JUDGE_TIMEOUT)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.ghlAPIKey, "ghl-api-key", config.GHLAPIKey, "GoHighLevel API key (overrides $GHL_API_KEY)")
	fs.StringVar(&f.ghlLocationID, "ghl-location-id", config.GHLLocationID, "GoHighLevel location ID (overrides $GHL_LOCATION_ID)")
	fs.StringVar(&f.ghlAPIURL, "ghl-api-url", config.GHLAPIURL, "GoHighLevel API base URL (overrides $GHL_API_URL)")
	fs.StringVar(&f.ghlWorkflowID, "ghl-workflow-id", config.GHLWorkflowID, "workflow to enroll completed contacts in (overrides $GHL_WORKFLOW_ID)")
	fs.StringVar(&f.twilioSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.twilioToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.twilioFrom, "twilio-from", config.TwilioFromNumber, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)")
	fs.StringVar(&f.webhookURL, "twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used to check Twilio signatures (overrides $TWILIO_WEBHOOK_URL)")
	fs.StringVar(&f.defaultTenantID, "default-tenant", config.DefaultTenantID, "tenant for WhatsApp sessions (overrides $DEFAULT_TENANT_ID)")
	fs.StringVar(&f.catalogPath, "catalog", config.QuestionCatalog, "question catalog JSON file (overrides $QUESTION_CATALOG)")
	fs.DurationVar(&f.sessionTTL, "session-ttl", config.SessionTTL, "idle session expiry for Redis (overrides $SESSION_TTL)")
	fs.StringVar(&f.pruneSchedule, "prune-schedule", config.PruneSchedule, "cron schedule for pruning inbound dedup records (overrides $INBOUND_PRUNE_SCHEDULE)")
	fs.DurationVar(&f.retention, "inbound-retention", config.InboundRetention, "how long inbound message IDs are kept (overrides $INBOUND_RETENTION)")
	fs.DurationVar(&f.recoveryWindow, "recovery-window", config.RecoveryWindow, "how far back startup recovery checks completed sessions (overrides $RECOVERY_WINDOW)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", f.stateDir,
		"dbDSN_set", f.dbDSN != "",
		"redisURL_set", f.redisURL != "",
		"openaiKeySet", f.openaiKey != "",
		"apiAddr", f.apiAddr,
		"ghlKeySet", f.ghlAPIKey != "",
		"catalog", f.catalogPath)

	// Follow a changed state directory when the DSN is still the derived default
	if f.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && f.stateDir != config.StateDir {
		f.dbDSN = filepath.Join(f.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", f.stateDir)
	}

	return f, nil
}

func usesSQLite(flags Flags) bool {
	return flags.redisURL == "" && flags.dbDSN != "" && store.DetectDSNType(flags.dbDSN) == "sqlite"
}

// ensureDirectoriesExist creates the parent directory of a file-based database
func ensureDirectoriesExist(flags Flags) error {
	if !usesSQLite(flags) {
		return nil
	}
	dir := filepath.Dir(flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
		return err
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.redisURL != "" {
		storeOpts = append(storeOpts, store.WithRedisURL(flags.redisURL))
	} else if flags.dbDSN != "" {
		if store.DetectDSNType(flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	if flags.sessionTTL > 0 {
		storeOpts = append(storeOpts, store.WithSessionTTL(flags.sessionTTL))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	if flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.openaiModel))
	}
	return genaiOpts
}

// buildTwilioOptions constructs Twilio WhatsApp configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(flags.twilioSID))
	}
	if flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(flags.twilioToken))
	}
	if flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromNumber(flags.twilioFrom))
	}
	return opts
}

// buildCRMOptions constructs GoHighLevel client options
func buildCRMOptions(flags Flags) []crm.Option {
	var opts []crm.Option
	if flags.ghlAPIURL != "" {
		opts = append(opts, crm.WithBaseURL(flags.ghlAPIURL))
	}
	if flags.ghlWorkflowID != "" {
		opts = append(opts, crm.WithWorkflowID(flags.ghlWorkflowID))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if flags.defaultTenantID != "" {
		apiOpts = append(apiOpts, api.WithDefaultTenant(flags.defaultTenantID))
	}
	if flags.catalogPath != "" {
		apiOpts = append(apiOpts, api.WithCatalogPath(flags.catalogPath))
	}
	if flags.judgeTimeout > 0 {
		apiOpts = append(apiOpts, api.WithJudgeTimeout(flags.judgeTimeout))
	}
	if flags.ghlAPIKey != "" {
		apiOpts = append(apiOpts, api.WithGHL(flags.ghlAPIKey, flags.ghlLocationID))
	}
	if flags.webhookURL != "" {
		apiOpts = append(apiOpts, api.WithWebhookURL(flags.webhookURL))
	}
	if flags.pruneSchedule != "" || flags.retention > 0 {
		apiOpts = append(apiOpts, api.WithInboundPrune(flags.pruneSchedule, flags.retention))
	}
	if flags.recoveryWindow > 0 {
		apiOpts = append(apiOpts, api.WithRecoveryWindow(flags.recoveryWindow))
	}
	return apiOpts
}
