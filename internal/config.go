package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/drovermedia/drover/internal/api"
	"github.com/drovermedia/drover/internal/database"
	"github.com/ilyakaznacheev/cleanenv"
)

// DroverConfig is the struct used to contain the
// various user config supplied by file, or
// manually inside the code.
type DroverConfig struct {
	Database  database.DatabaseConfig `yaml:"database" env-required:"true"`
	Rest      api.RestConfig          `yaml:"api"`
	Paths     PathsConfig             `yaml:"paths" env-required:"true"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Liveness  LivenessConfig          `yaml:"liveness"`
}

// PathsConfig holds the filesystem roots the scanner walks.
type PathsConfig struct {
	ScanPaths string `yaml:"scan_paths" env:"SCAN_PATHS" env-required:"true"`
}

// SchedulerConfig controls the scan cadence. A cron expression takes
// precedence; the minute interval is only used when no cron is given.
type SchedulerConfig struct {
	ScanInterval  int    `yaml:"scan_interval" env:"SCAN_INTERVAL" env-default:"60"`
	ScanCron      string `yaml:"scan_cron" env:"SCAN_CRON" env-default:"5 * * * *"`
	ScanOnStartup bool   `yaml:"scan_on_startup" env:"SCAN_ON_STARTUP" env-default:"true"`
}

// LivenessConfig overrides the liveness timeouts, in seconds.
type LivenessConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT" env-default:"30"`
	TaskStallTimeout int `yaml:"task_stall_timeout" env:"TASK_STALL_TIMEOUT" env-default:"60"`
	SweepInterval    int `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"30"`
}

// Loads a configuration file formatted in YAML in to a
// DroverConfig struct ready to be passed to the coordinator
func (config *DroverConfig) LoadFromFile(configPath string) error {
	err := cleanenv.ReadConfig(configPath, config)
	if err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}

// Roots splits the comma-separated scan path list into individual
// directories, dropping empty segments.
func (paths *PathsConfig) Roots() []string {
	roots := make([]string, 0)
	for _, root := range strings.Split(paths.ScanPaths, ",") {
		if trimmed := strings.TrimSpace(root); trimmed != "" {
			roots = append(roots, trimmed)
		}
	}

	return roots
}

// CronSpec resolves the scan cadence: the configured cron expression when
// given, otherwise an interval expression derived from scan_interval.
func (scheduler *SchedulerConfig) CronSpec() string {
	if scheduler.ScanCron != "" {
		return scheduler.ScanCron
	}

	return fmt.Sprintf("@every %dm", scheduler.ScanInterval)
}

func (liveness *LivenessConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(liveness.HeartbeatTimeout) * time.Second
}

func (liveness *LivenessConfig) TaskStallTimeoutDuration() time.Duration {
	return time.Duration(liveness.TaskStallTimeout) * time.Second
}

func (liveness *LivenessConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(liveness.SweepInterval) * time.Second
}
