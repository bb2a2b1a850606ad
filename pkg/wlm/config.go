package wlm

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"inference-node/pkg/defaults"
	"inference-node/pkg/errors"
	"inference-node/pkg/queue"
)

// ModelConfig is the on-disk batching configuration of a model.
type ModelConfig struct {
	Name             string  `yaml:"name"`
	Version          string  `yaml:"version"`
	BatchSize        int     `yaml:"batch_size"`
	MaxBatchDelay    string  `yaml:"max_batch_delay"`  // e.g. "100ms"
	QueueTimeout     string  `yaml:"queue_timeout"`    // e.g. "30s"
	ResponseTimeout  string  `yaml:"response_timeout"` // e.g. "2m"
	MinWorkers       int     `yaml:"min_workers"`
	MaxWorkers       int     `yaml:"max_workers"`
	QueueSize        int     `yaml:"queue_size"`
	PriorityLevels   int     `yaml:"priority_levels"`
	Selector         string  `yaml:"selector"` // weighted, probability or strict
	HighPriorityProb float64 `yaml:"high_priority_prob"`
}

// Settings is a validated ModelConfig.
type Settings struct {
	Name             string
	Version          string
	BatchSize        int
	MaxBatchDelay    time.Duration
	QueueTimeout     time.Duration
	ResponseTimeout  time.Duration
	MinWorkers       int
	MaxWorkers       int
	QueueSize        int
	PriorityLevels   int
	Selector         string
	HighPriorityProb float64
}

// LoadModelConfig loads a model configuration from a YAML file.
func LoadModelConfig(fs afero.Fs, configPath string) (*ModelConfig, error) {
	data, err := afero.ReadFile(fs, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config ModelConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if config.Name == "" {
		return nil, errors.ErrModelNameRequired
	}

	config.setDefaults()

	return &config, nil
}

func (mc *ModelConfig) setDefaults() {
	if mc.BatchSize == 0 {
		mc.BatchSize = defaults.BatchSize
	}
	if mc.MaxBatchDelay == "" {
		mc.MaxBatchDelay = defaults.MaxBatchDelay.String()
	}
	if mc.QueueTimeout == "" {
		mc.QueueTimeout = defaults.QueueTimeout.String()
	}
	if mc.ResponseTimeout == "" {
		mc.ResponseTimeout = defaults.ResponseTimeout.String()
	}
	if mc.MinWorkers == 0 {
		mc.MinWorkers = defaults.Workers
	}
	if mc.MaxWorkers < mc.MinWorkers {
		mc.MaxWorkers = mc.MinWorkers
	}
	if mc.QueueSize == 0 {
		mc.QueueSize = defaults.QueueSize
	}
	if mc.PriorityLevels == 0 {
		mc.PriorityLevels = defaults.PriorityLevels
	}
	if mc.Selector == "" {
		mc.Selector = defaults.Selector
	}
	if mc.HighPriorityProb == 0 {
		mc.HighPriorityProb = defaults.HighPriorityProbability
	}
}

// ToSettings parses and validates the configuration.
func (mc *ModelConfig) ToSettings() (Settings, error) {
	if mc.Name == "" {
		return Settings{}, errors.ErrModelNameRequired
	}

	if mc.BatchSize < 1 {
		return Settings{}, errors.ErrInvalidBatchSize
	}

	if mc.QueueSize < 1 {
		return Settings{}, errors.ErrInvalidQueueSize
	}

	if mc.PriorityLevels < 1 {
		return Settings{}, errors.ErrInvalidLevels
	}

	if _, err := queue.NewSelector(mc.Selector, mc.PriorityLevels, mc.HighPriorityProb); err != nil {
		return Settings{}, err
	}

	maxBatchDelay, err := time.ParseDuration(mc.MaxBatchDelay)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid max batch delay %s: %w", mc.MaxBatchDelay, err)
	}

	queueTimeout, err := time.ParseDuration(mc.QueueTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid queue timeout %s: %w", mc.QueueTimeout, err)
	}

	responseTimeout, err := time.ParseDuration(mc.ResponseTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid response timeout %s: %w", mc.ResponseTimeout, err)
	}

	return Settings{
		Name:             mc.Name,
		Version:          mc.Version,
		BatchSize:        mc.BatchSize,
		MaxBatchDelay:    maxBatchDelay,
		QueueTimeout:     queueTimeout,
		ResponseTimeout:  responseTimeout,
		MinWorkers:       mc.MinWorkers,
		MaxWorkers:       mc.MaxWorkers,
		QueueSize:        mc.QueueSize,
		PriorityLevels:   mc.PriorityLevels,
		Selector:         mc.Selector,
		HighPriorityProb: mc.HighPriorityProb,
	}, nil
}

// SaveModelConfig saves a model configuration to a file
func SaveModelConfig(fs afero.Fs, config *ModelConfig, configPath string) error {
	if err := fs.MkdirAll(filepath.Dir(configPath), defaults.DataDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := afero.WriteFile(fs, configPath, data, defaults.DataFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ExampleModelConfig returns an example model configuration
func ExampleModelConfig() *ModelConfig {
	return &ModelConfig{
		Name:             "resnet-18",
		Version:          "1.0",
		BatchSize:        8,
		MaxBatchDelay:    "50ms",
		QueueTimeout:     "10s",
		ResponseTimeout:  "2m",
		MinWorkers:       2,
		MaxWorkers:       4,
		QueueSize:        100,
		PriorityLevels:   3,
		Selector:         queue.SelectorProbability,
		HighPriorityProb: 0.67,
	}
}
