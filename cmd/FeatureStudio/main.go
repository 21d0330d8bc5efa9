package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/FeatureStudio/internal/api"
	"github.com/BTreeMap/FeatureStudio/internal/genai"
	"github.com/BTreeMap/FeatureStudio/internal/lockfile"
	"github.com/BTreeMap/FeatureStudio/internal/store"
	"github.com/BTreeMap/FeatureStudio/internal/util"
	"github.com/BTreeMap/FeatureStudio/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FeatureStudio state data
	DefaultStateDir = "/var/lib/featurestudio"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "featurestudio.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := acquireStateLock(flags)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("FeatureStudio is already running", "error", lockErr)
		} else {
			slog.Error("Failed to prepare state directory", "error", err)
		}
		os.Exit(1)
	}
	if lock != nil {
		defer lock.Release()
	}

	storeOpts := buildStoreOptions(flags)
	workflowOpts := buildWorkflowOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping FeatureStudio with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "workflow", len(workflowOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "local_scorer", *flags.localScorer)
	if err := api.Run(storeOpts, workflowOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("FeatureStudio failed to run", "error", err)
		if lock != nil {
			lock.Release()
		}
		os.Exit(1)
	}
	slog.Info("FeatureStudio exited successfully")
}

// Config holds environment configuration
type Config struct {
	APIAddr              string
	DatabaseURL          string
	StateDir             string
	WorkflowURL          string
	WorkflowUsername     string
	WorkflowPassword     string
	WorkflowTimeout      time.Duration
	WorkflowSystemPrompt string
	OpenAIKey            string
	LocalScorer          bool
	SessionIdleTTL       time.Duration
}

// Flags holds command line flag values
type Flags struct {
	apiAddr          *string
	dbDSN            *string
	stateDir         *string
	workflowURL      *string
	workflowUsername *string
	workflowPassword *string
	workflowTimeout  *time.Duration
	systemPrompt     *string
	openaiKey        *string
	localScorer      *bool
	sessionIdleTTL   *time.Duration
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
		APIAddr:              os.Getenv("API_ADDR"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StateDir:             os.Getenv("FEATURESTUDIO_STATE_DIR"),
		WorkflowURL:          os.Getenv("WORKFLOW_URL"),
		WorkflowUsername:     os.Getenv("WORKFLOW_USERNAME"),
		WorkflowPassword:     os.Getenv("WORKFLOW_PASSWORD"),
		WorkflowTimeout:      util.ParseDurationEnv("WORKFLOW_TIMEOUT", workflow.DefaultTimeout),
		WorkflowSystemPrompt: os.Getenv("WORKFLOW_SYSTEM_PROMPT"),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		LocalScorer:          util.ParseBoolEnv("LOCAL_SCORER", false),
		SessionIdleTTL:       util.ParseDurationEnv("SESSION_IDLE_TTL", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FEATURESTUDIO_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FEATURESTUDIO_STATE_DIR", config.StateDir,
		"WORKFLOW_URL_SET", config.WorkflowURL != "",
		"WORKFLOW_AUTH_SET", config.WorkflowUsername != "",
		"WORKFLOW_TIMEOUT", config.WorkflowTimeout,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"LOCAL_SCORER", config.LocalScorer)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN or SQLite path for sessions and chat history (overrides $DATABASE_URL)"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for FeatureStudio data (overrides $FEATURESTUDIO_STATE_DIR)"),
		workflowURL:      flag.String("workflow-url", config.WorkflowURL, "AI workflow webhook URL (overrides $WORKFLOW_URL)"),
		workflowUsername: flag.String("workflow-username", config.WorkflowUsername, "AI workflow basic auth user (overrides $WORKFLOW_USERNAME)"),
		workflowPassword: flag.String("workflow-password", config.WorkflowPassword, "AI workflow basic auth password (overrides $WORKFLOW_PASSWORD)"),
		workflowTimeout:  flag.Duration("workflow-timeout", config.WorkflowTimeout, "timeout of one workflow call (overrides $WORKFLOW_TIMEOUT)"),
		systemPrompt:     flag.String("workflow-system-prompt", config.WorkflowSystemPrompt, "system prompt sent with every workflow call (overrides $WORKFLOW_SYSTEM_PROMPT)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the local scorer (overrides $OPENAI_API_KEY)"),
		localScorer:      flag.Bool("local-scorer", config.LocalScorer, "score feature documents locally with OpenAI (overrides $LOCAL_SCORER)"),
		sessionIdleTTL:   flag.Duration("session-idle-ttl", config.SessionIdleTTL, "unload sessions idle for this long (overrides $SESSION_IDLE_TTL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"apiAddr", *flags.apiAddr,
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"workflowURL_set", *flags.workflowURL != "",
		"workflowTimeout", *flags.workflowTimeout,
		"openaiKeySet", *flags.openaiKey != "",
		"localScorer", *flags.localScorer)

	// Follow a state directory override when the DSN is still the default SQLite path
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// acquireStateLock locks the state directory when the store is a SQLite file in it.
// It returns a nil lock for PostgreSQL.
func acquireStateLock(flags Flags) (*lockfile.Lock, error) {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(*flags.dbDSN), 0755); err != nil {
		return nil, err
	}
	return lockfile.AcquireLock(*flags.stateDir, *flags.apiAddr)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildWorkflowOptions constructs workflow client options
func buildWorkflowOptions(flags Flags) []workflow.Option {
	var opts []workflow.Option
	if *flags.workflowURL != "" {
		opts = append(opts, workflow.WithURL(*flags.workflowURL))
	}
	if *flags.workflowUsername != "" || *flags.workflowPassword != "" {
		opts = append(opts, workflow.WithBasicAuth(*flags.workflowUsername, *flags.workflowPassword))
	}
	if *flags.systemPrompt != "" {
		opts = append(opts, workflow.WithSystemPrompt(*flags.systemPrompt))
	}
	if *flags.workflowTimeout > 0 {
		opts = append(opts, workflow.WithTimeout(*flags.workflowTimeout))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.localScorer {
		apiOpts = append(apiOpts, api.WithLocalScorer(true))
	}
	if *flags.sessionIdleTTL > 0 {
		apiOpts = append(apiOpts, api.WithIdleTTL(*flags.sessionIdleTTL))
	}
	return apiOpts
}
