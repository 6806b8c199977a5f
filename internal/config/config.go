package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"metaextract/internal/extraction"
)

const (
	defaultPort              = 8080
	defaultDataDir           = "data"
	defaultStoreBackend      = "file"
	defaultExtractionBaseURL = "https://api.box.com/2.0"
	defaultExtractionTimeout = 60 * time.Second
	defaultBatchSize         = 5
	defaultMaxRetries        = 3
	defaultRetryDelay        = 2
	defaultProcessingMode    = "Sequential"
	defaultFreeformPrompt    = "Extract key metadata from this document including dates, names, amounts, and other important information."
	defaultAIModel           = "azure__openai__gpt_4o_mini"

	minBatchSize, maxBatchSize   = 1, 50
	minMaxRetries, maxMaxRetries = 0, 10
	minRetryDelay, maxRetryDelay = 1, 30
)

// Config describes runtime configuration for the service.
type Config struct {
	Port       int               `yaml:"port"`
	DataDir    string            `yaml:"data_dir"`
	Store      StoreConfig       `yaml:"store"`
	Extraction ExtractionConfig  `yaml:"extraction"`
	Processing ProcessingConfig  `yaml:"processing"`
	Metadata   extraction.Config `yaml:"metadata"`
}

type StoreConfig struct {
	Backend    string      `yaml:"backend"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ExtractionConfig points at the AI extraction API.
type ExtractionConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProcessingConfig holds the batch controls used when a run does not
// override them.
type ProcessingConfig struct {
	BatchSize  int    `yaml:"batch_size"`
	MaxRetries int    `yaml:"max_retries"`
	RetryDelay int    `yaml:"retry_delay"`
	Mode       string `yaml:"mode"`
}

// Default returns sane defaults.
func Default() Config {
	return Config{
		Port:    defaultPort,
		DataDir: defaultDataDir,
		Store:   StoreConfig{Backend: defaultStoreBackend},
		Extraction: ExtractionConfig{
			BaseURL: defaultExtractionBaseURL,
			Timeout: defaultExtractionTimeout,
		},
		Processing: ProcessingConfig{
			BatchSize:  defaultBatchSize,
			MaxRetries: defaultMaxRetries,
			RetryDelay: defaultRetryDelay,
			Mode:       defaultProcessingMode,
		},
		Metadata: extraction.Config{
			ExtractionMethod: extraction.MethodFreeform,
			FreeformPrompt:   defaultFreeformPrompt,
			AIModel:          defaultAIModel,
			BatchSize:        defaultBatchSize,
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.Extraction.Timeout <= 0 {
		cfg.Extraction.Timeout = defaultExtractionTimeout
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaultStoreBackend
	}
	cfg.Processing.Mode = normalizeMode(cfg.Processing.Mode)
	if cfg.Metadata.BatchSize == 0 {
		cfg.Metadata.BatchSize = cfg.Processing.BatchSize
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks bounds of the batch controls and the store backend.
func (c Config) Validate() error {
	if err := ValidateBatchControls(c.Processing.BatchSize, c.Processing.MaxRetries, c.Processing.RetryDelay); err != nil {
		return err
	}
	switch c.Processing.Mode {
	case "Sequential", "Parallel":
	default:
		return fmt.Errorf("invalid processing mode: %q (must be Sequential or Parallel)", c.Processing.Mode)
	}
	switch c.Store.Backend {
	case "file", "redis", "sqlite":
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}
	return nil
}

// ValidateBatchControls enforces the ranges offered to users for a run.
func ValidateBatchControls(batchSize, maxRetries, retryDelay int) error {
	if batchSize < minBatchSize || batchSize > maxBatchSize {
		return fmt.Errorf("invalid batch_size: %d (must be %d..%d)", batchSize, minBatchSize, maxBatchSize)
	}
	if maxRetries < minMaxRetries || maxRetries > maxMaxRetries {
		return fmt.Errorf("invalid max_retries: %d (must be %d..%d)", maxRetries, minMaxRetries, maxMaxRetries)
	}
	if retryDelay < minRetryDelay || retryDelay > maxRetryDelay {
		return fmt.Errorf("invalid retry_delay: %d (must be %d..%d)", retryDelay, minRetryDelay, maxRetryDelay)
	}
	return nil
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "sequential":
		return "Sequential"
	case "parallel":
		return "Parallel"
	default:
		return mode
	}
}
