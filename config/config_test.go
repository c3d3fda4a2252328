package config

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.Puller)
	assert.NotNil(cfg.Instrumentation)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.DBPath = "/opt/data"

	assert.Equal("/opt/data", cfg.DBDir())

	cfg.DBPath = "data"
	assert.Equal("/foo/data", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())
	assert.NoError(t, TestConfig().ValidateBasic())

	// tamper with request timeout
	cfg.Puller.RequestTimeout = -10 * time.Second
	assert.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.Instrumentation.Namespace = ""
	assert.Error(t, cfg.ValidateBasic())
}

func TestPullerConfigValidateBasic(t *testing.T) {
	testCases := map[string]func(*PullerConfig){
		"request_timeout":         func(c *PullerConfig) { c.RequestTimeout = 0 },
		"sweep_interval":          func(c *PullerConfig) { c.SweepInterval = 0 },
		"rebalance_interval":      func(c *PullerConfig) { c.RebalanceInterval = -1 },
		"max_pending_per_peer":    func(c *PullerConfig) { c.MaxPendingPerPeer = 0 },
		"max_requests_per_height": func(c *PullerConfig) { c.MaxRequestsPerHeight = 0 },
		"invalid_cooldown":        func(c *PullerConfig) { c.InvalidCooldown = -time.Second },
		"initial_score":           func(c *PullerConfig) { c.InitialScore = -1 },
		"max_score":               func(c *PullerConfig) { c.MaxScore = 0 },
		"score_smoothing":         func(c *PullerConfig) { c.ScoreSmoothing = 1.5 },
		"timeout_penalty":         func(c *PullerConfig) { c.TimeoutPenalty = 1 },
		"invalid_penalty":         func(c *PullerConfig) { c.InvalidPenalty = 0.9 },
		"departed_score_cache":    func(c *PullerConfig) { c.DepartedScoreCache = 0 },
		"dispatch_workers":        func(c *PullerConfig) { c.DispatchWorkers = 0 },
	}

	for name, tamper := range testCases {
		tamper := tamper
		t.Run(name, func(t *testing.T) {
			cfg := DefaultPullerConfig()
			tamper(cfg)
			err := cfg.ValidateBasic()
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestPullerConfigValidateBasicReportsAll(t *testing.T) {
	cfg := DefaultPullerConfig()
	cfg.RequestTimeout = 0
	cfg.MaxPendingPerPeer = 0
	cfg.DispatchWorkers = 0

	err := cfg.ValidateBasic()
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "expected *multierror.Error, got %T", err)
	assert.Len(t, merr.Errors, 3)
}
