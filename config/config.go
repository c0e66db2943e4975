// Package config loads process configuration from .env, the environment and
// an optional YAML file.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// CONFLICT_CONFIG, CONFLICT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/orchestrator"
)

// =============================================================================
// CONFIG MODEL
// =============================================================================

type Config struct {
	Env      string   `yaml:"env" validate:"oneof=development production test"`
	LogMode  string   `yaml:"log_mode" validate:"oneof=dev prod"`
	HTTPAddr string   `yaml:"http_addr" validate:"required"`
	CORS     []string `yaml:"cors_origins"`

	Database  DatabaseConfig  `yaml:"database"`
	Lease     LeaseConfig     `yaml:"lease"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// ReferenceFile seeds reference data on startup when set.
	ReferenceFile string `yaml:"reference_file"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
	URL    string `yaml:"url" validate:"required_if=Driver postgres"`
}

type LeaseConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=sql redis"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	TTL       time.Duration `yaml:"ttl" validate:"gt=0"`
}

type ArchiveConfig struct {
	Backend string `yaml:"backend" validate:"oneof=none file minio"`
	Dir     string `yaml:"dir" validate:"required_if=Backend file"`

	MinIOEndpoint  string `yaml:"minio_endpoint" validate:"required_if=Backend minio"`
	MinIOAccessKey string `yaml:"minio_access_key"`
	MinIOSecretKey string `yaml:"minio_secret_key"`
	MinIOBucket    string `yaml:"minio_bucket" validate:"required_if=Backend minio"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl"`
}

type ReconcileConfig struct {
	TargetRows      int           `yaml:"target_rows" validate:"gte=0"`
	MaxKeysPerChunk int           `yaml:"max_keys_per_chunk" validate:"gte=0"`
	Workers         int           `yaml:"workers" validate:"gte=1,lte=64"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	RetryInitial    time.Duration `yaml:"retry_initial" validate:"gt=0"`
	RetryMax        time.Duration `yaml:"retry_max" validate:"gtefield=RetryInitial"`
	LookbackYears   int           `yaml:"lookback_years" validate:"gte=0"`
	LookforwardDays int           `yaml:"lookforward_days" validate:"gte=0"`
	LookbackHours   int           `yaml:"lookback_hours" validate:"gt=0"`
	Join            string        `yaml:"join" validate:"oneof=symmetric asymmetric"`
	StalePolicy     string        `yaml:"stale_policy" validate:"oneof=resolve retain delete"`
	InsertStatus    string        `yaml:"insert_status" validate:"oneof=N U"`
	SkipUnchanged   bool          `yaml:"skip_unchanged"`
	InService       bool          `yaml:"in_service"`
	Owner           string        `yaml:"owner" validate:"required"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"required_if=Enabled true"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := orchestrator.DefaultConfig()
	return &Config{
		Env:      "development",
		LogMode:  "dev",
		HTTPAddr: ":8080",
		CORS:     []string{"*"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./conflicts.db"},
		Lease:    LeaseConfig{Backend: "sql", TTL: d.LeaseTTL},
		Archive:  ArchiveConfig{Backend: "file", Dir: "./artifacts", MinIOBucket: "conflict-plans"},
		Reconcile: ReconcileConfig{
			TargetRows:      d.TargetRows,
			MaxKeysPerChunk: d.MaxKeysPerChunk,
			Workers:         d.Workers,
			MaxAttempts:     d.Retry.MaxAttempts,
			RetryInitial:    d.Retry.Initial,
			RetryMax:        d.Retry.Max,
			LookbackYears:   d.LookbackYears,
			LookforwardDays: d.LookforwardDays,
			LookbackHours:   d.LookbackHours,
			Join:            string(conflict.JoinAsymmetric),
			StalePolicy:     string(d.StalePolicy),
			InsertStatus:    string(d.Merge.InsertStatus),
			SkipUnchanged:   d.Merge.SkipUnchanged,
			InService:       d.InService,
			Owner:           hostname(),
		},
		Scheduler: SchedulerConfig{Interval: time.Hour},
		Tracing:   TracingConfig{ServiceName: "conflict-engine"},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads .env (if present), the optional YAML file and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFrom(getEnv("CONFLICT_CONFIG", ""))
}

// LoadFrom is Load with an explicit YAML path. An empty path skips the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &conflict.ConfigurationError{Setting: "CONFLICT_CONFIG", Reason: err.Error()}
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, &conflict.ConfigurationError{Setting: "CONFLICT_CONFIG", Reason: err.Error()}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, &conflict.ConfigurationError{Setting: key, Reason: err.Error()})
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, &conflict.ConfigurationError{Setting: key, Reason: err.Error()})
				return
			}
			*dst = d
		}
	}

	str("CONFLICT_ENV", &c.Env)
	str("CONFLICT_LOG_MODE", &c.LogMode)
	str("CONFLICT_HTTP_ADDR", &c.HTTPAddr)
	if v, ok := os.LookupEnv("CONFLICT_CORS_ORIGINS"); ok {
		c.CORS = splitCSV(v)
	}

	str("CONFLICT_DB_DRIVER", &c.Database.Driver)
	str("CONFLICT_DB_PATH", &c.Database.Path)
	str("CONFLICT_DATABASE_URL", &c.Database.URL)

	str("CONFLICT_LEASE_BACKEND", &c.Lease.Backend)
	str("CONFLICT_REDIS_ADDR", &c.Lease.RedisAddr)
	dur("CONFLICT_LEASE_TTL", &c.Lease.TTL)

	str("CONFLICT_ARCHIVE_BACKEND", &c.Archive.Backend)
	str("CONFLICT_ARCHIVE_DIR", &c.Archive.Dir)
	str("CONFLICT_MINIO_ENDPOINT", &c.Archive.MinIOEndpoint)
	str("CONFLICT_MINIO_ACCESS_KEY", &c.Archive.MinIOAccessKey)
	str("CONFLICT_MINIO_SECRET_KEY", &c.Archive.MinIOSecretKey)
	str("CONFLICT_MINIO_BUCKET", &c.Archive.MinIOBucket)
	flag("CONFLICT_MINIO_USE_SSL", &c.Archive.MinIOUseSSL)

	r := &c.Reconcile
	num("CONFLICT_TARGET_ROWS", &r.TargetRows)
	num("CONFLICT_MAX_KEYS_PER_CHUNK", &r.MaxKeysPerChunk)
	num("CONFLICT_WORKERS", &r.Workers)
	num("CONFLICT_MAX_ATTEMPTS", &r.MaxAttempts)
	dur("CONFLICT_RETRY_INITIAL", &r.RetryInitial)
	dur("CONFLICT_RETRY_MAX", &r.RetryMax)
	num("CONFLICT_LOOKBACK_YEARS", &r.LookbackYears)
	num("CONFLICT_LOOKFORWARD_DAYS", &r.LookforwardDays)
	num("CONFLICT_LOOKBACK_HOURS", &r.LookbackHours)
	str("CONFLICT_JOIN", &r.Join)
	str("CONFLICT_STALE_POLICY", &r.StalePolicy)
	str("CONFLICT_INSERT_STATUS", &r.InsertStatus)
	flag("CONFLICT_SKIP_UNCHANGED", &r.SkipUnchanged)
	flag("CONFLICT_IN_SERVICE", &r.InService)
	str("CONFLICT_OWNER", &r.Owner)

	flag("CONFLICT_SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	dur("CONFLICT_SCHEDULER_INTERVAL", &c.Scheduler.Interval)

	flag("CONFLICT_OTEL_ENABLED", &c.Tracing.Enabled)
	str("CONFLICT_OTEL_SERVICE_NAME", &c.Tracing.ServiceName)

	str("CONFLICT_REFERENCE_FILE", &c.ReferenceFile)

	return errors.Join(errs...)
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = validator.New()

// Validate checks struct tags. The first failure is returned as a
// conflict.ConfigurationError naming the field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return &conflict.ConfigurationError{
			Setting: f.Namespace(),
			Reason:  fmt.Sprintf("failed %q check (value %v)", f.Tag(), f.Value()),
		}
	}
	return &conflict.ConfigurationError{Setting: "config", Reason: err.Error()}
}

// Orchestrator returns the run settings.
func (c *Config) Orchestrator() orchestrator.Config {
	r := c.Reconcile
	return orchestrator.Config{
		TargetRows:      r.TargetRows,
		MaxKeysPerChunk: r.MaxKeysPerChunk,
		Workers:         r.Workers,
		Retry:           orchestrator.RetryPolicy{MaxAttempts: r.MaxAttempts, Initial: r.RetryInitial, Max: r.RetryMax},
		LeaseTTL:        c.Lease.TTL,
		LookbackYears:   r.LookbackYears,
		LookforwardDays: r.LookforwardDays,
		LookbackHours:   r.LookbackHours,
		StalePolicy:     conflict.StalePolicy(r.StalePolicy),
		Merge:           conflict.MergeOptions{InsertStatus: conflict.Status(r.InsertStatus), SkipUnchanged: r.SkipUnchanged},
		Owner:           r.Owner,
		InService:       r.InService,
	}
}

// DefaultJoin is the join mode of scheduled runs.
func (c *Config) DefaultJoin() conflict.JoinMode {
	return conflict.JoinMode(c.Reconcile.Join)
}

// =============================================================================
// HELPERS
// =============================================================================

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "conflict-engine"
	}
	return h
}
