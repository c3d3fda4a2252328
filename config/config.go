package config

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultPullerDir = ".blockpuller"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for the block puller.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Puller          *PullerConfig          `mapstructure:"puller"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Puller:          DefaultPullerConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Puller:          TestPullerConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Puller.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [puller] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend used to persist peer scores: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatJSON, LogFormatPlain:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db_backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// PullerConfig

// PullerConfig defines the configuration for the block download scheduler.
type PullerConfig struct {
	// Requests older than this are treated as timed out.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// How often in-flight requests are checked against RequestTimeout.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Assignment is recomputed at least this often so score changes reach
	// work that has not been dispatched yet.
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`

	// Maximum number of outstanding requests per peer.
	MaxPendingPerPeer int `mapstructure:"max_pending_per_peer"`

	// Maximum number of concurrent requests for the same height. 1 means a
	// height is never requested from two peers at once.
	MaxRequestsPerHeight int `mapstructure:"max_requests_per_height"`

	// A peer that delivered an invalid block is not asked for that height
	// again until this much time has passed.
	InvalidCooldown time.Duration `mapstructure:"invalid_cooldown"`

	// Same as InvalidCooldown, for timeouts. 0 disables.
	TimeoutCooldown time.Duration `mapstructure:"timeout_cooldown"`

	// Number of failures after which a peer's effective height is capped
	// below the lowest failed height. 0 disables.
	HeightStrikeLimit int `mapstructure:"height_strike_limit"`

	// Failed attempts on a height no peer advertises before the height is
	// reported as stalled. 0 disables reporting.
	MaxSpeculativeAttempts int `mapstructure:"max_speculative_attempts"`

	// Consecutive passes a height may stay unassigned before it is reported
	// as starved. 0 disables reporting.
	StarvationPasses int `mapstructure:"starvation_passes"`

	// Score given to a peer the first time it is seen.
	InitialScore float64 `mapstructure:"initial_score"`

	// Upper bound for a peer score.
	MaxScore float64 `mapstructure:"max_score"`

	// Weight of a new throughput sample in the moving average, in (0, 1].
	ScoreSmoothing float64 `mapstructure:"score_smoothing"`

	// Factor applied to the score on timeout, in [0, 1).
	TimeoutPenalty float64 `mapstructure:"timeout_penalty"`

	// Factor applied to the score on an invalid block, in [0, timeout_penalty].
	InvalidPenalty float64 `mapstructure:"invalid_penalty"`

	// Number of disconnected peers whose last score is remembered.
	DepartedScoreCache int `mapstructure:"departed_score_cache"`

	// Persist peer scores in the database so they survive restarts.
	PersistScores bool `mapstructure:"persist_scores"`

	// Number of goroutines sending requests to the network.
	DispatchWorkers int `mapstructure:"dispatch_workers"`

	// Attempts to resend a request the network reported as busy.
	SendRetries uint64 `mapstructure:"send_retries"`

	// Base delay for the exponential send backoff.
	SendBackoff time.Duration `mapstructure:"send_backoff"`
}

// DefaultPullerConfig returns a default configuration for the puller.
func DefaultPullerConfig() *PullerConfig {
	return &PullerConfig{
		RequestTimeout:         15 * time.Second,
		SweepInterval:          time.Second,
		RebalanceInterval:      10 * time.Second,
		MaxPendingPerPeer:      20,
		MaxRequestsPerHeight:   1,
		InvalidCooldown:        2 * time.Minute,
		TimeoutCooldown:        15 * time.Second,
		HeightStrikeLimit:      3,
		MaxSpeculativeAttempts: 5,
		StarvationPasses:       30,
		InitialScore:           100,
		MaxScore:               1 << 20,
		ScoreSmoothing:         0.2,
		TimeoutPenalty:         0.5,
		InvalidPenalty:         0.25,
		DepartedScoreCache:     1024,
		PersistScores:          false,
		DispatchWorkers:        16,
		SendRetries:            3,
		SendBackoff:            50 * time.Millisecond,
	}
}

// TestPullerConfig returns a configuration for testing the puller.
func TestPullerConfig() *PullerConfig {
	cfg := DefaultPullerConfig()
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.RebalanceInterval = 100 * time.Millisecond
	cfg.InvalidCooldown = time.Second
	cfg.TimeoutCooldown = 200 * time.Millisecond
	cfg.DispatchWorkers = 4
	cfg.SendBackoff = 5 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails. All violations are reported.
func (cfg *PullerConfig) ValidateBasic() error {
	var result error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			result = multierror.Append(result, fmt.Errorf(format, args...))
		}
	}

	check(cfg.RequestTimeout > 0, "request_timeout must be positive")
	check(cfg.SweepInterval > 0, "sweep_interval must be positive")
	check(cfg.RebalanceInterval > 0, "rebalance_interval must be positive")
	check(cfg.MaxPendingPerPeer > 0, "max_pending_per_peer must be positive")
	check(cfg.MaxRequestsPerHeight > 0, "max_requests_per_height must be positive")
	check(cfg.InvalidCooldown >= 0, "invalid_cooldown can't be negative")
	check(cfg.TimeoutCooldown >= 0, "timeout_cooldown can't be negative")
	check(cfg.HeightStrikeLimit >= 0, "height_strike_limit can't be negative")
	check(cfg.MaxSpeculativeAttempts >= 0, "max_speculative_attempts can't be negative")
	check(cfg.StarvationPasses >= 0, "starvation_passes can't be negative")
	check(isFinite(cfg.InitialScore) && cfg.InitialScore >= 0, "initial_score must be a non-negative number")
	check(isFinite(cfg.MaxScore) && cfg.MaxScore > 0, "max_score must be positive")
	check(cfg.InitialScore <= cfg.MaxScore, "initial_score (%v) can't exceed max_score (%v)", cfg.InitialScore, cfg.MaxScore)
	check(cfg.ScoreSmoothing > 0 && cfg.ScoreSmoothing <= 1, "score_smoothing must be in (0, 1], got %v", cfg.ScoreSmoothing)
	check(cfg.TimeoutPenalty >= 0 && cfg.TimeoutPenalty < 1, "timeout_penalty must be in [0, 1), got %v", cfg.TimeoutPenalty)
	check(cfg.InvalidPenalty >= 0 && cfg.InvalidPenalty <= cfg.TimeoutPenalty,
		"invalid_penalty must be in [0, timeout_penalty], got %v", cfg.InvalidPenalty)
	check(cfg.DepartedScoreCache > 0, "departed_score_cache must be positive")
	check(cfg.DispatchWorkers > 0, "dispatch_workers must be positive")
	check(cfg.SendBackoff > 0, "send_backoff must be positive")

	return result
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "blockpuller",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
