// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the process-wide orchestration
// configuration. A Config is built once at startup (defaults, then an
// optional YAML file, then environment variable overrides matching
// the deployment's variable names) and is immutable thereafter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
)

// DefaultConfigFile is consulted when no -config argument is given.
// A missing file at the default path is not an error.
const DefaultConfigFile = "/etc/wofl/orchestration.yml"

// Config is the process-wide configuration, read once at startup.
type Config struct {
	// URL of the SQS queue delivering scene descriptor keys.
	QueueURL string
	// URL of the matching dead-letter queue, used by the redrive
	// subcommand.
	DeadLetterQueueURL string

	// Time between queue sweeps when no work arrives.
	PollInterval Duration
	// Long-poll wait passed to ReceiveMessage (SQS caps this at
	// 20s).
	WaitTime Duration
	// Visibility window requested on receive, and granted again by
	// each extension while a job is still running.
	VisibilityTimeout Duration
	// Wall-clock budget for one classification job. A job running
	// longer is cancelled and its message left for redelivery.
	JobTimeBudget Duration
	// Maximum concurrent jobs dispatched by this worker process.
	MaxJobsPerWorker int
	// A message received more times than this is treated as poison:
	// acknowledged and reported instead of retried forever.
	PoisonReceiveCount int
	// Minimum hold between successive submit attempts for the same
	// message after a transient cluster error.
	MinSubmitRetryPeriod Duration

	// Glob patterns a scene key must match to be dispatched; an
	// empty list matches everything. Non-matching messages are
	// acknowledged and skipped.
	MessagePrefix []string

	// Bucket holding the scene descriptors named by queue messages.
	InputBucket string
	// Where the classification jobs write their water observations.
	OutputBucket   string
	OutputPath     string
	FileNamePrefix string
	// Sets a public-read ACL on the output objects.
	MakePublic bool

	Job JobConfig
	DB  DBConfig

	// Listen address for the /metrics and /_health endpoints.
	// Empty disables the management server.
	ManagementAddr string

	LogLevel  string
	LogFormat string
}

// JobConfig parameterizes the rendered cluster job.
type JobConfig struct {
	Namespace string
	Image     string
	// Resource requests/limits in Kubernetes quantity notation.
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// DBConfig is the datacube index database connection info handed to
// each job. The dispatcher itself only uses it for a startup
// connectivity probe.
type DBConfig struct {
	Hostname string
	Port     int
	Username string
	Password string
	Database string
}

// DSN returns a lib/pq connection string.
func (db DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		db.Hostname, db.Port, db.Username, db.Password, db.Database)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PollInterval:         Duration(60 * time.Second),
		WaitTime:             Duration(20 * time.Second),
		VisibilityTimeout:    Duration(300 * time.Second),
		JobTimeBudget:        Duration(time.Hour),
		MaxJobsPerWorker:     1,
		PoisonReceiveCount:   5,
		MinSubmitRetryPeriod: Duration(10 * time.Second),
		InputBucket:          "deafrica-data",
		Job: JobConfig{
			Namespace:     "default",
			CPURequest:    "500m",
			CPULimit:      "1",
			MemoryRequest: "2Gi",
			MemoryLimit:   "4Gi",
		},
		DB: DBConfig{
			Hostname: "localhost",
			Port:     5432,
			Database: "datacube",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds a Config from defaults, the YAML file at path (if any),
// and environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) && path == DefaultConfigFile {
			// ok, env-only configuration
		} else if err != nil {
			return nil, err
		} else if err = yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error decoding config %q: %s", path, err)
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv applies the deployment's environment variables on top of
// whatever the YAML file provided.
func (cfg *Config) loadEnv() error {
	for _, v := range []struct {
		name string
		set  func(string) error
	}{
		{"SQS_QUEUE_URL", stringVar(&cfg.QueueURL)},
		{"SQS_DEADLETTER_QUEUE_URL", stringVar(&cfg.DeadLetterQueueURL)},
		{"SQS_MESSAGE_PREFIX", func(s string) error {
			cfg.MessagePrefix = strings.Fields(s)
			return nil
		}},
		{"SQS_POLL_TIME_SEC", cfg.PollInterval.Set},
		{"SQS_WAIT_TIME_SEC", cfg.WaitTime.Set},
		{"SQS_VISIBILITY_TIMEOUT_SEC", cfg.VisibilityTimeout.Set},
		{"JOB_MAX_TIME_SEC", cfg.JobTimeBudget.Set},
		{"MAX_JOB_PER_WORKER", intVar(&cfg.MaxJobsPerWorker)},
		{"POISON_RECEIVE_COUNT", intVar(&cfg.PoisonReceiveCount)},
		{"INPUT_S3_BUCKET", stringVar(&cfg.InputBucket)},
		{"OUTPUT_S3_BUCKET", stringVar(&cfg.OutputBucket)},
		{"OUTPUT_PATH", stringVar(&cfg.OutputPath)},
		{"FILE_PREFIX", stringVar(&cfg.FileNamePrefix)},
		{"MAKE_PUBLIC", boolVar(&cfg.MakePublic)},
		{"JOB_NAMESPACE", stringVar(&cfg.Job.Namespace)},
		{"JOB_IMAGE", stringVar(&cfg.Job.Image)},
		{"CPU_REQUEST", stringVar(&cfg.Job.CPURequest)},
		{"CPU_LIMIT", stringVar(&cfg.Job.CPULimit)},
		{"MEMORY_REQUEST", stringVar(&cfg.Job.MemoryRequest)},
		{"MEMORY_LIMIT", stringVar(&cfg.Job.MemoryLimit)},
		{"DB_HOSTNAME", stringVar(&cfg.DB.Hostname)},
		{"DB_PORT", intVar(&cfg.DB.Port)},
		{"DB_USERNAME", stringVar(&cfg.DB.Username)},
		{"DB_PASSWORD", stringVar(&cfg.DB.Password)},
		{"DB_DATABASE", stringVar(&cfg.DB.Database)},
		{"MANAGEMENT_ADDR", stringVar(&cfg.ManagementAddr)},
		{"LOG_LEVEL", stringVar(&cfg.LogLevel)},
		{"LOG_FORMAT", stringVar(&cfg.LogFormat)},
	} {
		val, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		if err := v.set(val); err != nil {
			return fmt.Errorf("%s: %s", v.name, err)
		}
	}
	return nil
}

// Validate reports the first startup configuration error. These are
// the only fatal errors in the system: anything caught here refuses
// to start the process.
func (cfg *Config) Validate() error {
	switch {
	case cfg.QueueURL == "":
		return fmt.Errorf("queue URL must be configured (SQS_QUEUE_URL)")
	case cfg.MaxJobsPerWorker < 1:
		return fmt.Errorf("max jobs per worker is %d, must be at least 1", cfg.MaxJobsPerWorker)
	case cfg.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	case cfg.JobTimeBudget <= 0:
		return fmt.Errorf("job time budget must be positive, got %s", cfg.JobTimeBudget)
	case cfg.VisibilityTimeout <= 0:
		return fmt.Errorf("visibility timeout must be positive, got %s", cfg.VisibilityTimeout)
	case cfg.PoisonReceiveCount < 1:
		return fmt.Errorf("poison receive count must be at least 1, got %d", cfg.PoisonReceiveCount)
	case cfg.WaitTime < 0 || cfg.WaitTime > Duration(20*time.Second):
		return fmt.Errorf("wait time must be between 0 and 20s, got %s", cfg.WaitTime)
	}
	return nil
}

func stringVar(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		*p = n
		return err
	}
}

func boolVar(p *bool) func(string) error {
	return func(s string) error {
		switch strings.ToLower(s) {
		case "1", "true", "yes", "on":
			*p = true
		case "0", "false", "no", "off", "":
			*p = false
		default:
			return fmt.Errorf("invalid boolean %q", s)
		}
		return nil
	}
}
