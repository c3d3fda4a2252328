package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"Float":       tomlFloat,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %v: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the path of the config file below rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/puller/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return os.WriteFile(path, buffer.Bytes(), 0644)
}

// WriteDefaultConfigFileIfNone writes the default config unless a config
// file already exists.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	if _, err := os.Stat(ConfigFile(rootDir)); os.IsNotExist(err) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// tomlFloat renders f so that TOML reads it back as a float.
func tomlFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/puller/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.blockpuller" by default, but could be changed via $PULLER_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Database backend used to persist peer scores: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: trace | debug | info | warn | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                    Block Puller Options                         ###
#######################################################################
[puller]

# Requests older than this are treated as timed out.
request_timeout = "{{ .Puller.RequestTimeout }}"

# How often in-flight requests are checked against request_timeout.
sweep_interval = "{{ .Puller.SweepInterval }}"

# Assignment is recomputed at least this often.
rebalance_interval = "{{ .Puller.RebalanceInterval }}"

# Maximum number of outstanding requests per peer.
max_pending_per_peer = {{ .Puller.MaxPendingPerPeer }}

# Maximum number of concurrent requests for the same height.
max_requests_per_height = {{ .Puller.MaxRequestsPerHeight }}

# A peer that delivered an invalid block is not asked for that
# height again before this much time has passed.
invalid_cooldown = "{{ .Puller.InvalidCooldown }}"

# Same as invalid_cooldown, for timeouts. "0s" disables.
timeout_cooldown = "{{ .Puller.TimeoutCooldown }}"

# Failures after which a peer's effective height is capped below the
# lowest failed height. 0 disables.
height_strike_limit = {{ .Puller.HeightStrikeLimit }}

# Failed attempts on a height no peer advertises before it is
# reported as stalled. 0 disables.
max_speculative_attempts = {{ .Puller.MaxSpeculativeAttempts }}

# Consecutive passes a height may stay unassigned before it is
# reported as starved. 0 disables.
starvation_passes = {{ .Puller.StarvationPasses }}

# Peer scoring. Scores are throughput estimates in KB/s.
initial_score = {{ Float .Puller.InitialScore }}
max_score = {{ Float .Puller.MaxScore }}
score_smoothing = {{ Float .Puller.ScoreSmoothing }}
timeout_penalty = {{ Float .Puller.TimeoutPenalty }}
invalid_penalty = {{ Float .Puller.InvalidPenalty }}

# Number of disconnected peers whose last score is remembered.
departed_score_cache = {{ .Puller.DepartedScoreCache }}

# Persist peer scores in the database so they survive restarts.
persist_scores = {{ .Puller.PersistScores }}

# Number of goroutines sending requests to the network.
dispatch_workers = {{ .Puller.DispatchWorkers }}

# Resend attempts and base backoff for requests the network reported busy.
send_retries = {{ .Puller.SendRetries }}
send_backoff = "{{ .Puller.SendBackoff }}"

#######################################################################
###                 Instrumentation Config Options                  ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
