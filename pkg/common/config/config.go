// Package config provides configuration loading for the batch worker:
// environment-variable overrides layered over an optional JSON file,
// with defaults and validation.
//
// Configuration Sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. Configuration file (JSON format)
//  3. Default values (lowest priority)
//
// Usage Example:
//
//	cfg, err := config.LoadConfig("/path/to/config.json")
//	if err != nil {
//		return fmt.Errorf("config error: %w", err)
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config is the batch worker's complete startup configuration, matching
// the environment inputs a worker process is launched with.
type Config struct {
	ProjectID   string `json:"projectId"`
	JobID       string `json:"jobId"`
	WorkerID    string `json:"workerId"`
	ServicePath string `json:"servicePath"`
	RootURL     string `json:"rootUrl"`

	ReportingEnabled bool `json:"reportingEnabled"`

	TempGCSDirectory      string `json:"tempGcsDirectory"`
	LocalStagingDirectory string `json:"localStagingDirectory"`
	EnvironmentInfoPath   string `json:"environmentInfoPath,omitempty"`

	Logging         LoggingConfig   `json:"logging"`
	PipelineOptions PipelineOptions `json:"pipelineOptions"`
}

// LoggingConfig controls the worker's structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file,omitempty"`
}

// PipelineOptions mirrors the SDK pipeline options the coordinator hands
// the worker at launch; only the options the worker itself consumes are
// modeled here.
type PipelineOptions struct {
	Profile         bool   `json:"profile"`
	ProfileLocation string `json:"profileLocation,omitempty"`
}

// DefaultConfig returns a configuration with conservative defaults.
// Identity fields (ProjectID, JobID, WorkerID, RootURL) have no sensible
// default and must be supplied by the file or environment.
func DefaultConfig() *Config {
	return &Config{
		ReportingEnabled:      true,
		LocalStagingDirectory: "/tmp/dataflow-staging",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadConfig loads configuration from an optional JSON file, layers
// environment variable overrides on top, and validates the result.
//
// Missing files are silently ignored to allow environment-only
// configurations, matching how the worker is normally launched by the
// coordinator (no config file, env vars only).
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile merges a JSON configuration file into cfg, leaving fields
// absent from the file at their current values.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies DFWORKER_* environment variables on
// top of whatever the file/defaults produced. All worker launch
// parameters in spec.md §6 are settable this way, matching how the
// coordinator actually launches worker processes.
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("DFWORKER_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("DFWORKER_JOB_ID"); v != "" {
		c.JobID = v
	}
	if v := os.Getenv("DFWORKER_WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := os.Getenv("DFWORKER_SERVICE_PATH"); v != "" {
		c.ServicePath = v
	}
	if v := os.Getenv("DFWORKER_ROOT_URL"); v != "" {
		c.RootURL = v
	}
	if v := os.Getenv("DFWORKER_REPORTING_ENABLED"); v != "" {
		c.ReportingEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DFWORKER_TEMP_GCS_DIRECTORY"); v != "" {
		c.TempGCSDirectory = v
	}
	if v := os.Getenv("DFWORKER_LOCAL_STAGING_DIRECTORY"); v != "" {
		c.LocalStagingDirectory = v
	}
	if v := os.Getenv("DFWORKER_ENVIRONMENT_INFO_PATH"); v != "" {
		c.EnvironmentInfoPath = v
	}
	if v := os.Getenv("DFWORKER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DFWORKER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("DFWORKER_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("DFWORKER_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("DFWORKER_PROFILE"); v != "" {
		c.PipelineOptions.Profile = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DFWORKER_PROFILE_LOCATION"); v != "" {
		c.PipelineOptions.ProfileLocation = v
	}
}

// Validate checks that the configuration is complete enough to start a
// worker, returning an actionable error naming the missing field.
func (c *Config) Validate() error {
	var missing []string
	if c.ProjectID == "" {
		missing = append(missing, "project_id (DFWORKER_PROJECT_ID)")
	}
	if c.JobID == "" {
		missing = append(missing, "job_id (DFWORKER_JOB_ID)")
	}
	if c.WorkerID == "" {
		missing = append(missing, "worker_id (DFWORKER_WORKER_ID)")
	}
	if c.RootURL == "" {
		missing = append(missing, "root_url (DFWORKER_ROOT_URL)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.PipelineOptions.Profile && c.PipelineOptions.ProfileLocation == "" {
		return fmt.Errorf("pipeline_options.profile is enabled but profile_location is empty")
	}
	return nil
}

// SaveToFile writes the configuration to path as JSON, for operators
// inspecting or replaying a worker's effective launch configuration.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

// RunningInManagedEnv reports whether the worker is running against a
// managed, remote staging location (a "gs://"-style URI) rather than a
// local filesystem path, matching the original implementation's check
// for whether to prime managed-environment credentials at startup.
func (c *Config) RunningInManagedEnv() bool {
	return strings.HasPrefix(c.TempGCSDirectory, "gs://")
}
