// Package config holds cellgan's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Models     ModelsConfig     `yaml:"models"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Generation GenerationConfig `yaml:"generation"`
	Work       WorkConfig       `yaml:"work"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ModelsConfig locates model files. Relative file names resolve against Dir.
type ModelsConfig struct {
	Dir               string `yaml:"dir"`
	ClassifierWeights string `yaml:"classifier_weights"`
	ClassifierONNX    string `yaml:"classifier_onnx"`
	Positive          string `yaml:"positive"`
	Negative          string `yaml:"negative"`
}

type ClassifierConfig struct {
	Backend    string `yaml:"backend"` // native | onnx
	ImageSize  int    `yaml:"image_size"`
	ORTLibrary string `yaml:"ort_library,omitempty"`
	GPU        bool   `yaml:"gpu"`
}

type GenerationConfig struct {
	BatchSize int `yaml:"batch_size"`
	Workers   int `yaml:"workers"`
	// Seed 0 picks a time-based seed.
	Seed int64 `yaml:"seed"`
	// StrictWeights rejects bundles with missing or extra tensors.
	StrictWeights bool `yaml:"strict_weights"`
}

// WorkConfig holds scratch space for extracted archives and the directory
// finished archives are written to.
type WorkConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
	OutputDir  string `yaml:"output_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Dir:               "models",
			ClassifierWeights: "resnet18_classifier.safetensors",
			ClassifierONNX:    "resnet18_classifier.onnx",
			Positive:          "generator_positive_256.safetensors",
			Negative:          "generator_negative_128.safetensors",
		},
		Classifier: ClassifierConfig{
			Backend:   "native",
			ImageSize: 224,
		},
		Generation: GenerationConfig{
			BatchSize: 10,
			Workers:   1,
		},
		Work: WorkConfig{
			ScratchDir: filepath.Join(os.TempDir(), "cellgan"),
			OutputDir:  "output",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies CELLGAN_* environment variables.
func (c *Config) applyEnvOverrides() error {
	if dir := os.Getenv("CELLGAN_MODELS_DIR"); dir != "" {
		c.Models.Dir = dir
	}
	if backend := os.Getenv("CELLGAN_BACKEND"); backend != "" {
		c.Classifier.Backend = backend
	}
	if lib := os.Getenv("CELLGAN_ORT_LIB"); lib != "" {
		c.Classifier.ORTLibrary = lib
	}
	if os.Getenv("CELLGAN_GPU") == "1" {
		c.Classifier.GPU = true
	}
	if v := os.Getenv("CELLGAN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CELLGAN_WORKERS: %w", err)
		}
		c.Generation.Workers = n
	}
	if v := os.Getenv("CELLGAN_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CELLGAN_SEED: %w", err)
		}
		c.Generation.Seed = n
	}
	return nil
}

// ValidBackends lists the classifier backends.
var ValidBackends = []string{"native", "onnx"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	valid := false
	for _, b := range ValidBackends {
		if c.Classifier.Backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid classifier backend: %s (valid: %v)", c.Classifier.Backend, ValidBackends)
	}
	if c.Classifier.ImageSize < 32 {
		return fmt.Errorf("classifier image_size %d below 32", c.Classifier.ImageSize)
	}
	if c.Generation.BatchSize < 1 {
		return fmt.Errorf("generation batch_size must be at least 1, got %d", c.Generation.BatchSize)
	}
	if c.Generation.Workers < 1 {
		return fmt.Errorf("generation workers must be at least 1, got %d", c.Generation.Workers)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s (valid: json, console)", c.Logging.Format)
	}
	return nil
}

// ModelPath resolves a models-section file name against Models.Dir.
func (c *Config) ModelPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Models.Dir, name)
}

// ClassifierWeights returns the model file for the configured backend.
func (c *Config) ClassifierWeights() string {
	if c.Classifier.Backend == "onnx" {
		return c.ModelPath(c.Models.ClassifierONNX)
	}
	return c.ModelPath(c.Models.ClassifierWeights)
}

// GeneratorWeights returns the bundle path for a variant, falling back to
// fallback when the variant has no configured file.
func (c *Config) GeneratorWeights(variant, fallback string) string {
	switch variant {
	case "positive":
		if c.Models.Positive != "" {
			return c.ModelPath(c.Models.Positive)
		}
	case "negative":
		if c.Models.Negative != "" {
			return c.ModelPath(c.Models.Negative)
		}
	}
	return c.ModelPath(fallback)
}
