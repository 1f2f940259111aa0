// Package config holds the run configuration. A Config is built once by Load
// and passed by value to component constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a generation run.
type Config struct {
	Format       string             `yaml:"format" validate:"required,oneof=terraform bicep"`
	OutputDir    string             `yaml:"outputDir" validate:"required"`
	Model        ModelConfig        `yaml:"model"`
	Retry        RetryConfig        `yaml:"retry"`
	Validation   ValidationConfig   `yaml:"validation"`
	Repair       RepairConfig       `yaml:"repair"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cost         CostConfig         `yaml:"cost"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ModelConfig selects and tunes the generative service.
type ModelConfig struct {
	Name        string  `yaml:"name" validate:"required"`
	Endpoint    string  `yaml:"endpoint" validate:"omitempty,url"`
	APIKey      string  `yaml:"apiKey"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"maxTokens" validate:"gte=1"`
	// HistoryWindow is the number of request/reply exchanges a session keeps.
	HistoryWindow  int           `yaml:"historyWindow" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"requestTimeout" validate:"gte=0"`
}

// RetryConfig controls throttle backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"baseDelay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`
}

// ValidationConfig controls the external syntax checker.
type ValidationConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// Binary overrides the checker executable looked up on PATH.
	Binary string `yaml:"binary"`
}

// RepairConfig bounds the validate/fix loop.
type RepairConfig struct {
	MaxIterations       int      `yaml:"maxIterations" validate:"gte=0"`
	MaxIssuesPerRequest int      `yaml:"maxIssuesPerRequest" validate:"gte=1"`
	UnfixablePatterns   []string `yaml:"unfixablePatterns" validate:"dive,regexp"`
	SharedSession       bool     `yaml:"sharedSession"`
}

// OrchestratorConfig controls fan-out.
type OrchestratorConfig struct {
	// MaxConcurrency of zero means one goroutine per unit.
	MaxConcurrency int           `yaml:"maxConcurrency" validate:"gte=0"`
	UnitTimeout    time.Duration `yaml:"unitTimeout" validate:"gte=0"`
}

// CostConfig holds token prices in USD per million tokens. MaxRunUSD caps
// the run: each model call first reserves its worst-case price (estimated
// input plus model.maxTokens output) and is refused when recorded spend plus
// open reservations would pass the cap. 0 disables it.
type CostConfig struct {
	InputPerMillion  float64 `yaml:"inputPerMillion" validate:"gte=0"`
	OutputPerMillion float64 `yaml:"outputPerMillion" validate:"gte=0"`
	MaxRunUSD        float64 `yaml:"maxRunUSD" validate:"gte=0"`
}

// StorageConfig selects where finished artifact sets go.
type StorageConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=file configmap"`
	Namespace string `yaml:"namespace" validate:"required_if=Backend configmap"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// DefaultUnfixablePatterns match checker messages about modules or references
// that only exist once other units are linked in.
var DefaultUnfixablePatterns = []string{
	`(?i)module not installed`,
	`(?i)module .* (is )?not (yet )?(installed|available)`,
	`(?i)unresolved (module|reference)`,
	`(?i)reference to undeclared module`,
	`(?i)(unable|failed) to (load|find|resolve) module`,
	`(?i)module source .* (missing|not found)`,
	`(?i)run "terraform init"`,
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Format:    "terraform",
		OutputDir: "output",
		Model: ModelConfig{
			Name:           "gpt-4o",
			Temperature:    0.2,
			MaxTokens:      8192,
			HistoryWindow:  4,
			RequestTimeout: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
		Validation: ValidationConfig{
			Timeout: 60 * time.Second,
		},
		Repair: RepairConfig{
			MaxIterations:       3,
			MaxIssuesPerRequest: 20,
			UnfixablePatterns:   append([]string(nil), DefaultUnfixablePatterns...),
			SharedSession:       true,
		},
		Orchestrator: OrchestratorConfig{
			UnitTimeout: 10 * time.Minute,
		},
		Cost: CostConfig{
			InputPerMillion:  2.50,
			OutputPerMillion: 10.00,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path and
// environment overrides, then validates it. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNTHESIS_MODEL"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("SYNTHESIS_ENDPOINT"); v != "" {
		cfg.Model.Endpoint = v
	}
	if v := os.Getenv("SYNTHESIS_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("SYNTHESIS_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = i
		}
	}
	if v := os.Getenv("SYNTHESIS_MAX_ITERATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Repair.MaxIterations = i
		}
	}
	if v := os.Getenv("SYNTHESIS_UNIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.UnitTimeout = d
		}
	}
	if v := os.Getenv("IACGEN_NAMESPACE"); v != "" {
		cfg.Storage.Namespace = v
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
}

// Validate checks the struct tags and returns one error naming every
// offending field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(errs...)
}

// UnfixableMatchers compiles the unfixable-issue patterns. Validate has
// already rejected patterns that do not compile.
func (r RepairConfig) UnfixableMatchers() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(r.UnfixablePatterns))
	for _, p := range r.UnfixablePatterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}
