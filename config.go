package shoal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shoalproj/shoal/directory"
)

// Default configuration values.
const (
	// DefaultDrainRounds is how many enumerate-and-release passes a drain
	// makes before giving up on stubborn assignments.
	DefaultDrainRounds = 3

	// DefaultAdmissionCeiling caps in-flight operations per document.
	DefaultAdmissionCeiling = 10

	// DefaultRouterPollAttempts and DefaultRouterPollInterval bound the
	// wait for a router-assigned URL to become routable (10 minutes total).
	DefaultRouterPollAttempts = 600
	DefaultRouterPollInterval = 1 * time.Second

	// DefaultLivenessInterval is how often a worker publishes its liveness
	// mark.
	DefaultLivenessInterval = 2 * time.Second

	// DefaultOperationTimeout bounds individual directory operations.
	DefaultOperationTimeout = 5 * time.Second

	// DefaultShutdownTimeout bounds the whole drain-and-stop sequence.
	DefaultShutdownTimeout = 30 * time.Second
)

// RouterConfig configures registration with an optional external router or
// load balancer fronting the worker pool. An empty URL disables it.
type RouterConfig struct {
	// URL is the router control endpoint. Empty means no external router.
	URL string `yaml:"url"`

	// AdvertisePort is this worker's listening port, passed to the router.
	AdvertisePort int `yaml:"advertisePort"`

	// PollAttempts and PollInterval bound the post-registration wait for
	// the assigned URL to become routable.
	PollAttempts int           `yaml:"pollAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Config holds Worker configuration.
type Config struct {
	// DrainRounds is the drain retry budget.
	DrainRounds int `yaml:"drainRounds"`

	// AdmissionCeiling caps in-flight operations per document on the
	// worker's admission gate (Worker.Gate).
	AdmissionCeiling int `yaml:"admissionCeiling"`

	// LivenessInterval is the liveness publish interval.
	LivenessInterval time.Duration `yaml:"livenessInterval"`

	// OperationTimeout bounds individual directory and router calls.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// ShutdownTimeout bounds Stop end to end.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// Router configures the optional external router.
	Router RouterConfig `yaml:"router"`

	// Buckets names the NATS KV buckets backing the directory.
	Buckets directory.NATSConfig `yaml:"buckets"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()

	return cfg
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.DrainRounds <= 0 {
		c.DrainRounds = DefaultDrainRounds
	}
	if c.AdmissionCeiling <= 0 {
		c.AdmissionCeiling = DefaultAdmissionCeiling
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Router.PollAttempts <= 0 {
		c.Router.PollAttempts = DefaultRouterPollAttempts
	}
	if c.Router.PollInterval <= 0 {
		c.Router.PollInterval = DefaultRouterPollInterval
	}
	if c.Buckets.WorkersBucket == "" && c.Buckets.AssignmentsBucket == "" {
		c.Buckets = directory.DefaultNATSConfig()
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Router.URL != "" && c.Router.AdvertisePort <= 0 {
		return fmt.Errorf("%w: router.advertisePort is required when router.url is set", ErrInvalidConfig)
	}
	if c.Buckets.WorkersBucket == "" || c.Buckets.AssignmentsBucket == "" {
		return fmt.Errorf("%w: directory bucket names are required", ErrInvalidConfig)
	}
	if c.Buckets.LivenessBucket != "" && c.Buckets.LivenessTTL < c.LivenessInterval {
		return fmt.Errorf("%w: liveness TTL %s is shorter than the publish interval %s",
			ErrInvalidConfig, c.Buckets.LivenessTTL, c.LivenessInterval)
	}

	return nil
}

// LoadConfig reads a YAML config file, applies defaults, and validates.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults, and validates.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
