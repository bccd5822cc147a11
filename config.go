package modrt

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/GoCodeAlone/modrt/feeders"
	"github.com/GoCodeAlone/modrt/manifest"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
const EnvPrefix = "MODRT"

// Singleton policies applied when no resolver hook decides a collision.
const (
	SingletonPolicyFirst   = "first"
	SingletonPolicyHighest = "highest"
)

// Config holds the framework settings.
type Config struct {
	StorageDir              string            `yaml:"storageDir" toml:"storageDir" env:"STORAGE_DIR" desc:"Directory for bundle content and state; empty keeps everything in memory"`
	BeginningStartLevel     int               `yaml:"beginningStartLevel" toml:"beginningStartLevel" env:"BEGINNING_START_LEVEL" default:"1" desc:"Start level reached when the framework starts"`
	InitialBundleStartLevel int               `yaml:"initialBundleStartLevel" toml:"initialBundleStartLevel" env:"INITIAL_BUNDLE_START_LEVEL" default:"1" desc:"Start level assigned to newly installed bundles"`
	StateChangeTimeout      time.Duration     `yaml:"stateChangeTimeout" toml:"stateChangeTimeout" env:"STATE_CHANGE_TIMEOUT" default:"5s" desc:"How long a lifecycle operation waits for another one on the same bundle"`
	EventQueueSize          int               `yaml:"eventQueueSize" toml:"eventQueueSize" env:"EVENT_QUEUE_SIZE" default:"1024" desc:"Backlog of an asynchronous event queue above which a warning is logged"`
	ExecutionEnvironments   []string          `yaml:"executionEnvironments" toml:"executionEnvironments" env:"EXECUTION_ENVIRONMENTS" default:"GO-1.22" desc:"Execution environments provided by the system bundle, NAME-VERSION"`
	OSName                  string            `yaml:"osName" toml:"osName" env:"OS_NAME" desc:"Operating system used for native code selection"`
	Processor               string            `yaml:"processor" toml:"processor" env:"PROCESSOR" desc:"Processor used for native code selection"`
	OSVersion               string            `yaml:"osVersion" toml:"osVersion" env:"OS_VERSION" default:"0.0.0" desc:"Operating system version used for native code selection"`
	Language                string            `yaml:"language" toml:"language" env:"LANGUAGE" default:"en" desc:"Language used for native code selection"`
	SingletonPolicy         string            `yaml:"singletonPolicy" toml:"singletonPolicy" env:"SINGLETON_POLICY" default:"first" desc:"Collision policy when no resolver hook decides: first or highest"`
	RefreshSchedule         string            `yaml:"refreshSchedule" toml:"refreshSchedule" env:"REFRESH_SCHEDULE" desc:"Cron spec for collecting removal-pending bundles"`
	Properties              map[string]string `yaml:"properties" toml:"properties" env:"PROPERTIES" desc:"Extra framework properties"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = ProcessConfigDefaults(cfg)
	cfg.fillPlatform()
	return cfg
}

func (c *Config) fillPlatform() {
	if c.OSName == "" {
		c.OSName = runtime.GOOS
	}
	if c.Processor == "" {
		c.Processor = runtime.GOARCH
	}
}

// Validate implements ConfigValidator.
func (c *Config) Validate() error {
	if c.BeginningStartLevel < 1 || c.InitialBundleStartLevel < 1 {
		return ErrInvalidStartLevel
	}
	if c.StateChangeTimeout <= 0 {
		return fmt.Errorf("stateChangeTimeout must be positive, got %s", c.StateChangeTimeout)
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("eventQueueSize must be positive, got %d", c.EventQueueSize)
	}
	switch c.SingletonPolicy {
	case SingletonPolicyFirst, SingletonPolicyHighest:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSingletonPolicy, c.SingletonPolicy)
	}
	if _, err := c.ParseExecutionEnvironments(); err != nil {
		return err
	}
	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			return fmt.Errorf("refreshSchedule: %w", err)
		}
	}
	return nil
}

// ExecutionEnvironment is one parsed entry of Config.ExecutionEnvironments.
type ExecutionEnvironment struct {
	Name    string
	Version string
}

// ParseExecutionEnvironments splits "GO-1.22" style entries at the last dash.
func (c *Config) ParseExecutionEnvironments() ([]ExecutionEnvironment, error) {
	out := make([]ExecutionEnvironment, 0, len(c.ExecutionEnvironments))
	for _, raw := range c.ExecutionEnvironments {
		i := strings.LastIndexByte(raw, '-')
		if i <= 0 || i == len(raw)-1 {
			return nil, fmt.Errorf("%w: execution environment %q is not NAME-VERSION", ErrConfigValidationFailed, raw)
		}
		out = append(out, ExecutionEnvironment{Name: raw[:i], Version: raw[i+1:]})
	}
	return out, nil
}

// LoadConfig feeds a Config from the given files, in order, and then from
// MODRT_* environment variables, applies defaults and validates the result.
// Files are read as YAML or TOML by extension.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := &Config{}
	var fs []feeders.Feeder
	for _, p := range paths {
		switch manifest.FormatForPath(p) {
		case manifest.FormatTOML:
			fs = append(fs, feeders.NewTomlFeeder(p))
		default:
			fs = append(fs, feeders.NewYamlFeeder(p))
		}
	}
	fs = append(fs, feeders.NewAffixedEnvFeeder(EnvPrefix, ""))
	for _, f := range fs {
		if err := f.Feed(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigFeederError, err)
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg.fillPlatform()
	return cfg, nil
}
