package internal

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config holds the agent configuration, loaded from environment variables.
type Config struct {
	App       AppConfig
	Scheduler SchedulerConfig
}

// AppConfig covers process-level settings.
type AppConfig struct {
	Name               string
	DataDir            string
	SocketDir          string
	Console            bool
	MaxConcurrentSends int64
}

// SchedulerConfig covers the polling loop.
type SchedulerConfig struct {
	PollIntervalSeconds int
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() *Config {
	dataDir := getEnv("RELAYCLAW_DATA_DIR", defaultDataDir())
	return &Config{
		App: AppConfig{
			Name:               getEnv("RELAYCLAW_NAME", "relayclaw"),
			DataDir:            dataDir,
			SocketDir:          getEnv("RELAYCLAW_SOCKET_DIR", filepath.Join(dataDir, "run")),
			Console:            getEnvBool("RELAYCLAW_CONSOLE", true),
			MaxConcurrentSends: int64(getEnvInt("RELAYCLAW_MAX_SENDS", 4)),
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: getEnvInt("RELAYCLAW_POLL_INTERVAL", 30),
		},
	}
}

// DBPath returns the sqlite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.App.DataDir, "relayclaw.db")
}

// PollInterval returns the scheduler poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func defaultDataDir() string {
	return filepath.Join(projectRoot(), "data")
}

func projectRoot() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "."
}
