// Package config resolves CLI configuration: an optional YAML file, then
// MIGRATE_* environment variables, then command-line flags.
package config

import (
	"os"
	"strconv"
	"time"

	"go-data-migrate/internal/model"
	"go-data-migrate/internal/source"
	"go-data-migrate/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no file is named.
const DefaultFile = "migrate.yaml"

// Config is everything the CLI needs besides the migration itself.
type Config struct {
	// API is checked by RequireAPI, since archive runs do not need it.
	API           model.APIConfig `yaml:"api" validate:"-"`
	MigrationsDir string          `yaml:"migrationsDir"`
	Concurrency   int             `yaml:"concurrency" validate:"min=0,max=10"`
	BatchSize     int             `yaml:"batchSize" validate:"min=0,max=10000"`
	Retry         RetryConfig     `yaml:"retry"`
	// SubmitTimeout bounds one commit attempt, e.g. "60s".
	SubmitTimeout string          `yaml:"submitTimeout"`
	Journal       string          `yaml:"journal"`
	OutputDir     string          `yaml:"outputDir"`
	StatusAddr    string          `yaml:"statusAddr" validate:"omitempty,hostname_port"`
	S3            source.S3Config `yaml:"s3"`
}

// RetryConfig is the YAML form of model.RetryConfig.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"maxAttempts" validate:"min=0,max=20"`
	InitialDelay      string  `yaml:"initialDelay"`
	MaxDelay          string  `yaml:"maxDelay"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" validate:"min=0"`
	Jitter            *bool   `yaml:"jitter"`
}

// Model converts to the run options form, leaving unset fields zero so that
// model defaults apply.
func (r RetryConfig) Model() model.RetryConfig {
	out := model.RetryConfig{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      utils.ParseDuration(r.InitialDelay, 0),
		MaxDelay:          utils.ParseDuration(r.MaxDelay, 0),
		BackoffMultiplier: r.BackoffMultiplier,
	}
	if r.Jitter != nil {
		out.NoJitter = !*r.Jitter
	}
	return out
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		API:           model.APIConfig{APIVersion: model.DefaultAPIVersion},
		MigrationsDir: "migrations",
		Concurrency:   model.DefaultConcurrency,
		BatchSize:     source.DefaultBatchSize,
		SubmitTimeout: model.DefaultSubmitTimeout.String(),
		OutputDir:     "output",
	}
}

// Load reads path (or DefaultFile when path is empty and it exists) over the
// defaults and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return cfg, errors.Wrapf(err, "read %s", path)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.API.Token = getEnv("MIGRATE_TOKEN", c.API.Token)
	c.API.ProjectID = getEnv("MIGRATE_PROJECT_ID", c.API.ProjectID)
	c.API.Dataset = getEnv("MIGRATE_DATASET", c.API.Dataset)
	c.API.APIHost = getEnv("MIGRATE_API_HOST", c.API.APIHost)
	c.API.APIVersion = getEnv("MIGRATE_API_VERSION", c.API.APIVersion)
	c.MigrationsDir = getEnv("MIGRATE_MIGRATIONS_DIR", c.MigrationsDir)
	c.Journal = getEnv("MIGRATE_JOURNAL", c.Journal)
	c.OutputDir = getEnv("MIGRATE_OUTPUT_DIR", c.OutputDir)
	c.StatusAddr = getEnv("MIGRATE_STATUS_ADDR", c.StatusAddr)
	c.SubmitTimeout = getEnv("MIGRATE_SUBMIT_TIMEOUT", c.SubmitTimeout)
	c.S3.Endpoint = getEnv("MIGRATE_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKeyID = getEnv("MIGRATE_S3_ACCESS_KEY_ID", c.S3.AccessKeyID)
	c.S3.SecretAccessKey = getEnv("MIGRATE_S3_SECRET_ACCESS_KEY", c.S3.SecretAccessKey)
	c.S3.Region = getEnv("MIGRATE_S3_REGION", c.S3.Region)

	if v := os.Getenv("MIGRATE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Errorf("MIGRATE_CONCURRENCY: %q is not a number", v)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("MIGRATE_S3_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Errorf("MIGRATE_S3_USE_SSL: %q is not a boolean", v)
		}
		c.S3.UseSSL = b
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

var validate = validator.New()

// Validate checks ranges and formats. Whether API credentials are needed
// depends on the command, so they are checked by RequireAPI.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if c.SubmitTimeout != "" {
		if _, err := time.ParseDuration(c.SubmitTimeout); err != nil {
			return errors.Errorf("invalid submitTimeout %q", c.SubmitTimeout)
		}
	}
	return nil
}

// RequireAPI checks that a store is configured.
func (c Config) RequireAPI() error {
	if err := validate.Struct(c.API); err != nil {
		return errors.Wrap(err, "store api is not configured (set projectId and dataset, or MIGRATE_PROJECT_ID and MIGRATE_DATASET)")
	}
	return nil
}

// RunOptions builds the scheduler options for a run.
func (c Config) RunOptions() model.RunOptions {
	return model.RunOptions{
		Concurrency:   c.Concurrency,
		Retry:         c.Retry.Model(),
		SubmitTimeout: utils.ParseDuration(c.SubmitTimeout, model.DefaultSubmitTimeout),
		BatchSize:     c.BatchSize,
	}
}
