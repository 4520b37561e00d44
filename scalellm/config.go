package scalellm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PreemptionMode selects how a preempted request's KV cache is handled.
type PreemptionMode string

const (
	// PreemptRecompute drops the victim's blocks and rebuilds its KV cache
	// from the recorded token history when it is rescheduled.
	PreemptRecompute PreemptionMode = "recompute"
	// PreemptSwap relocates the victim's blocks to a host-side pool and
	// copies them back on resume.
	PreemptSwap PreemptionMode = "swap"
)

// Config holds the engine and scheduler configuration.
type Config struct {
	BlockSize           int            `yaml:"block_size"`
	NumBlocks           int            `yaml:"num_blocks"`
	NumSwapBlocks       int            `yaml:"num_swap_blocks"`
	MaxNumRunningSeqs   int            `yaml:"max_num_running_seqs"`
	MaxBatchTokens      int            `yaml:"max_batch_tokens"`
	MaxModelLen         int            `yaml:"max_model_len"`
	ChunkedPrefillSize  int            `yaml:"chunked_prefill_size"`
	PreemptionMode      PreemptionMode `yaml:"preemption_mode"`
	PreemptionPolicy    string         `yaml:"preemption_policy"`
	EnablePrefixCaching bool           `yaml:"enable_prefix_caching"`
	EOS                 int            `yaml:"eos"`
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with defaults applied, then options, then
// validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		BlockSize:           16,
		NumBlocks:           1024,
		NumSwapBlocks:       256,
		MaxNumRunningSeqs:   256,
		MaxBatchTokens:      8192,
		MaxModelLen:         4096,
		ChunkedPrefillSize:  0,
		PreemptionMode:      PreemptRecompute,
		PreemptionPolicy:    "preempt-latest",
		EnablePrefixCaching: false,
		EOS:                 2,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c, err := NewConfig()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("num_blocks must be positive, got %d", c.NumBlocks)
	}
	if c.MaxNumRunningSeqs <= 0 {
		return fmt.Errorf("max_num_running_seqs must be positive, got %d", c.MaxNumRunningSeqs)
	}
	if c.MaxBatchTokens < c.BlockSize {
		return fmt.Errorf("max_batch_tokens must be >= block_size, got %d", c.MaxBatchTokens)
	}
	if c.MaxModelLen <= 0 {
		return fmt.Errorf("max_model_len must be positive, got %d", c.MaxModelLen)
	}
	if c.ChunkedPrefillSize < 0 {
		return fmt.Errorf("chunked_prefill_size must be >= 0, got %d", c.ChunkedPrefillSize)
	}
	switch c.PreemptionMode {
	case PreemptRecompute, PreemptSwap:
	default:
		return fmt.Errorf("unknown preemption_mode %q", c.PreemptionMode)
	}
	if !IsValidPreemptionPolicy(c.PreemptionPolicy) {
		return fmt.Errorf("unknown preemption_policy %q", c.PreemptionPolicy)
	}
	if c.PreemptionMode == PreemptSwap && c.NumSwapBlocks <= 0 {
		return fmt.Errorf("num_swap_blocks must be positive in swap mode, got %d", c.NumSwapBlocks)
	}
	return nil
}

// WithBlockSize sets the number of tokens per KV cache block.
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) { c.BlockSize = n }
}

// WithNumBlocks sets the device block pool size.
func WithNumBlocks(n int) ConfigOption {
	return func(c *Config) { c.NumBlocks = n }
}

// WithNumSwapBlocks sets the host-side block pool size used in swap mode.
func WithNumSwapBlocks(n int) ConfigOption {
	return func(c *Config) { c.NumSwapBlocks = n }
}

// WithMaxNumRunningSeqs sets the maximum number of concurrently running
// sequences.
func WithMaxNumRunningSeqs(n int) ConfigOption {
	return func(c *Config) { c.MaxNumRunningSeqs = n }
}

// WithMaxBatchTokens sets the per-step token budget.
func WithMaxBatchTokens(n int) ConfigOption {
	return func(c *Config) { c.MaxBatchTokens = n }
}

// WithMaxModelLen sets the maximum sequence length.
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) { c.MaxModelLen = n }
}

// WithChunkedPrefill bounds the number of prompt tokens computed per step.
// Zero disables chunking: a prompt is prefilled in one step.
func WithChunkedPrefill(n int) ConfigOption {
	return func(c *Config) { c.ChunkedPrefillSize = n }
}

// WithPreemptionMode selects recompute or swap preemption.
func WithPreemptionMode(m PreemptionMode) ConfigOption {
	return func(c *Config) { c.PreemptionMode = m }
}

// WithPreemptionPolicy selects the preemption victim policy by name.
func WithPreemptionPolicy(name string) ConfigOption {
	return func(c *Config) { c.PreemptionPolicy = name }
}

// WithPrefixCaching enables content-addressed block sharing.
func WithPrefixCaching(b bool) ConfigOption {
	return func(c *Config) { c.EnablePrefixCaching = b }
}

// WithEOS sets the end-of-sequence token id.
func WithEOS(id int) ConfigOption {
	return func(c *Config) { c.EOS = id }
}
