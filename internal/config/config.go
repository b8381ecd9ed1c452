package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode selects the control surfaces: http, mcp or both.
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	// Dir holds per-run log files.
	Dir string
	// RunRetention caps the run history kept per task or subscription.
	RunRetention int
}

// EngineConfig holds the commands and limits the engine runs with.
type EngineConfig struct {
	Shell          string
	TaskCommand    string
	PullCommand    string
	RunConcurrency int
	SSHDir         string
	// File is an optional YAML file with package command overrides. It is reloaded on change.
	File string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
	// Every is the minimum spacing between notifications once the burst is used.
	Every time.Duration
	Burst int
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Engine       EngineConfig
	Notification NotificationConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	envPrefix             = "TASKPANEL_"
	defaultAddr           = "0.0.0.0:5700"
	defaultMode           = "http"
	defaultLogLevel       = "info"
	defaultRunRetention   = 50
	defaultShutdownGrace  = 5 * time.Second
	defaultTaskCommand    = "task"
	defaultPullCommand    = "ql"
	defaultRunConcurrency = 10
	defaultBarkEvery      = time.Minute
	defaultBarkBurst      = 5
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process flags and environment into Config.
func Parse() (*Config, error) {
	// Load .env files if present: current directory, then the config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskpanel", ".env"))
	}
	var existing []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	return Load(os.Args[1:])
}

// Load builds Config from the environment and args.
// Priority: flags > environment > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", defaultMode),
		},
		Log: LogConfig{
			Level:        getEnvString("LOG_LEVEL", defaultLogLevel),
			Dir:          getEnvString("LOG_DIR", ""),
			RunRetention: getEnvInt("RUN_RETENTION", defaultRunRetention),
		},
		Engine: EngineConfig{
			Shell:          getEnvString("SHELL", ""),
			TaskCommand:    getEnvString("TASK_COMMAND", defaultTaskCommand),
			PullCommand:    getEnvString("PULL_COMMAND", defaultPullCommand),
			RunConcurrency: getEnvInt("RUN_CONCURRENCY", defaultRunConcurrency),
			SSHDir:         getEnvString("SSH_DIR", ""),
			File:           getEnvString("ENGINE_FILE", ""),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
				Every:   getEnvDuration("BARK_EVERY", defaultBarkEvery),
				Burst:   getEnvInt("BARK_BURST", defaultBarkBurst),
			},
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskpaneld", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.Mode, "mode", cfg.Server.Mode, "Control surfaces to serve (http, mcp, both)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory to store the database")
	fs.StringVar(&cfg.Log.Dir, "log-dir", cfg.Log.Dir, "Directory for per-run log files (default <state-dir>/logs)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.Log.RunRetention, "run-retention", cfg.Log.RunRetention, "Number of recent runs to retain per task")
	fs.BoolVar(&cfg.UseUTC, "use-utc", cfg.UseUTC, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	fs.StringVar(&cfg.Engine.Shell, "shell", cfg.Engine.Shell, "Shell used to run commands")
	fs.IntVar(&cfg.Engine.RunConcurrency, "run-concurrency", cfg.Engine.RunConcurrency, "Lanes used by bulk run requests")
	fs.StringVar(&cfg.Engine.SSHDir, "ssh-dir", cfg.Engine.SSHDir, "Directory holding subscription keys and ssh config")
	fs.StringVar(&cfg.Engine.File, "engine-file", cfg.Engine.File, "YAML file with package command overrides")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) resolve() error {
	switch cfg.Server.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (valid: http, mcp, both)", cfg.Server.Mode)
	}
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = filepath.Join(cfg.StateDir, "logs")
	}
	if cfg.Engine.SSHDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve ssh dir: %w", err)
		}
		cfg.Engine.SSHDir = filepath.Join(home, ".ssh")
	}
	if cfg.Log.RunRetention < 1 {
		cfg.Log.RunRetention = defaultRunRetention
	}
	if cfg.Engine.RunConcurrency < 1 {
		cfg.Engine.RunConcurrency = defaultRunConcurrency
	}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL == "" {
		return fmt.Errorf("bark notifications enabled without %sBARK_URL", envPrefix)
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "taskpanel"), nil
}
