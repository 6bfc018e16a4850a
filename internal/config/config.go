package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables of the streaming core. Durations that interact
// with buffer math are kept in seconds (float64) because that is the unit
// every buffer computation works in; pure wall-clock intervals use
// time.Duration.
type Config struct {
	// Buffer geometry.
	MinBufferLevel  float64 `yaml:"minBufferLevel"`  // seconds
	MaxBufferLevel  float64 `yaml:"maxBufferLevel"`  // seconds
	BufferingTarget float64 `yaml:"bufferingTarget"` // seconds
	BufferBehind    float64 `yaml:"bufferBehind"`    // seconds

	// Quality selection.
	SwitchCooldownPeriod time.Duration `yaml:"switchCooldownPeriod"`
	StartupStrategy      string        `yaml:"startupStrategy"`
	AllowSmoothing       bool          `yaml:"allowSmoothing"`
	SmoothingEnableDelay time.Duration `yaml:"smoothingEnableDelay"`
	SmoothingFactor      float64       `yaml:"smoothingFactor"`

	// Segment pipeline.
	MaxConcurrentDownloads        int           `yaml:"maxConcurrentDownloads"`
	FastSwitchingEnabled          bool          `yaml:"fastSwitchingEnabled"`
	ReplacementSafetyFactor       float64       `yaml:"replacementSafetyFactor"`
	QuotaExceededCorrectionFactor float64       `yaml:"quotaExceededCorrectionFactor"`
	MaxAllowedOverrun             float64       `yaml:"maxAllowedOverrun"` // seconds
	SegmentTimeout                time.Duration `yaml:"segmentTimeout"`

	// Stall detection and gap jumping.
	StallThreshold            time.Duration `yaml:"stallThreshold"`
	ConsecutiveChecksThreshold int          `yaml:"consecutiveChecksThreshold"`
	GapJumpTolerance          float64       `yaml:"gapJumpTolerance"` // seconds

	// Transport.
	UserAgent string `yaml:"userAgent"`

	// Logging.
	LogLevel string `yaml:"logLevel"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		MinBufferLevel:  10,
		MaxBufferLevel:  90,
		BufferingTarget: 60,
		BufferBehind:    5,

		SwitchCooldownPeriod: 5 * time.Second,
		StartupStrategy:      "Bandwidth",
		AllowSmoothing:       true,
		SmoothingEnableDelay: 5 * time.Second,
		SmoothingFactor:      0.5,

		MaxConcurrentDownloads:        2,
		FastSwitchingEnabled:          true,
		ReplacementSafetyFactor:       1.5,
		QuotaExceededCorrectionFactor: 0.8,
		MaxAllowedOverrun:             4,
		SegmentTimeout:                10 * time.Second,

		StallThreshold:             250 * time.Millisecond,
		ConsecutiveChecksThreshold: 3,
		GapJumpTolerance:           0.3,

		LogLevel: "info",
	}
}

// Load reads and parses a YAML configuration file from the given path.
// Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.MinBufferLevel <= 0 {
		return fmt.Errorf("minBufferLevel must be positive, got %v", c.MinBufferLevel)
	}
	if c.MaxBufferLevel < c.BufferingTarget {
		return fmt.Errorf("maxBufferLevel (%v) must not be below bufferingTarget (%v)", c.MaxBufferLevel, c.BufferingTarget)
	}
	if c.BufferingTarget < c.MinBufferLevel {
		return fmt.Errorf("bufferingTarget (%v) must not be below minBufferLevel (%v)", c.BufferingTarget, c.MinBufferLevel)
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("maxConcurrentDownloads must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		return fmt.Errorf("smoothingFactor must be in (0, 1], got %v", c.SmoothingFactor)
	}
	if c.QuotaExceededCorrectionFactor <= 0 || c.QuotaExceededCorrectionFactor >= 1 {
		return fmt.Errorf("quotaExceededCorrectionFactor must be in (0, 1), got %v", c.QuotaExceededCorrectionFactor)
	}
	if c.ConsecutiveChecksThreshold < 1 {
		return fmt.Errorf("consecutiveChecksThreshold must be at least 1, got %d", c.ConsecutiveChecksThreshold)
	}
	return nil
}
