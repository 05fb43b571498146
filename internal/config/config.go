// Package config loads manager and agent configuration from flags,
// environment (FLEETWIRE_*) and a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLEETWIRE"

// Persistence backends.
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// TLSConfig names certificate files. Empty CertFile means plain TCP.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file"`
}

// Enabled reports whether TLS is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != ""
}

// DispatchConfig holds dispatcher and listener timing.
type DispatchConfig struct {
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ListenerTimeout  time.Duration `mapstructure:"listener_timeout" yaml:"listener_timeout"`
}

// HostsConfig holds the ping-miss thresholds of the host state machine.
type HostsConfig struct {
	AlertAfterMisses int `mapstructure:"alert_after_misses" yaml:"alert_after_misses"`
	DownAfterMisses  int `mapstructure:"down_after_misses" yaml:"down_after_misses"`
}

// KeepAliveConfig holds the ping loop settings.
type KeepAliveConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	MaxMissedPongs int           `mapstructure:"max_missed_pongs" yaml:"max_missed_pongs"`
}

// CallbackConfig sizes the continuation worker pool.
type CallbackConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// PersistenceConfig selects where host status is mirrored.
type PersistenceConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DiscoveryConfig controls mDNS.
type DiscoveryConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Interface string `mapstructure:"interface" yaml:"interface"`
}

// ObservabilityConfig holds logging, metrics and trace settings.
type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	TraceFile   string `mapstructure:"trace_file" yaml:"trace_file"`
}

// ManagerConfig configures fleetwire-manager.
type ManagerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ManagerID    string        `mapstructure:"manager_id" yaml:"manager_id"`
	DataCenters  []string      `mapstructure:"data_centers" yaml:"data_centers"`
	ClusterKey   string        `mapstructure:"cluster_key" yaml:"cluster_key"`
	ReplayWindow time.Duration `mapstructure:"replay_window" yaml:"replay_window"`

	TLS           TLSConfig           `mapstructure:"tls" yaml:"tls"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch" yaml:"dispatch"`
	Hosts         HostsConfig         `mapstructure:"hosts" yaml:"hosts"`
	KeepAlive     KeepAliveConfig     `mapstructure:"keepalive" yaml:"keepalive"`
	Callbacks     CallbackConfig      `mapstructure:"callbacks" yaml:"callbacks"`
	Persistence   PersistenceConfig   `mapstructure:"persistence" yaml:"persistence"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery" yaml:"discovery"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ReconnectConfig holds the agent's backoff settings.
type ReconnectConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Initial        time.Duration `mapstructure:"initial" yaml:"initial"`
	Max            time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier     float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter         float64       `mapstructure:"jitter" yaml:"jitter"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
}

// AgentConfig configures fleetwire-agent.
type AgentConfig struct {
	ManagerAddr    string        `mapstructure:"manager_addr" yaml:"manager_addr"`
	HostID         string        `mapstructure:"host_id" yaml:"host_id"`
	DataCenterID   string        `mapstructure:"data_center_id" yaml:"data_center_id"`
	HypervisorType string        `mapstructure:"hypervisor_type" yaml:"hypervisor_type"`
	ClusterKey     string        `mapstructure:"cluster_key" yaml:"cluster_key"`
	AnswerDelay    time.Duration `mapstructure:"answer_delay" yaml:"answer_delay"`

	TLS           TLSConfig           `mapstructure:"tls" yaml:"tls"`
	Reconnect     ReconnectConfig     `mapstructure:"reconnect" yaml:"reconnect"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery" yaml:"discovery"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// Validation errors.
var (
	ErrInvalidConfig = errors.New("invalid config")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "fleetwire"
	}
	return name
}

func setObservabilityDefaults(v *viper.Viper) {
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.trace_file", "")
}

func setManagerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":7400")
	v.SetDefault("manager_id", hostname())
	v.SetDefault("data_centers", []string{})
	v.SetDefault("cluster_key", "")
	v.SetDefault("replay_window", 10*time.Minute)

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")

	v.SetDefault("dispatch.default_timeout", 30*time.Second)
	v.SetDefault("dispatch.sweep_interval", time.Second)
	v.SetDefault("dispatch.handshake_timeout", 10*time.Second)
	v.SetDefault("dispatch.listener_timeout", 5*time.Second)

	v.SetDefault("hosts.alert_after_misses", 1)
	v.SetDefault("hosts.down_after_misses", 3)

	v.SetDefault("keepalive.ping_interval", 30*time.Second)
	v.SetDefault("keepalive.pong_timeout", 5*time.Second)
	v.SetDefault("keepalive.max_missed_pongs", 3)

	v.SetDefault("callbacks.workers", 4)
	v.SetDefault("callbacks.queue_size", 256)

	v.SetDefault("persistence.backend", BackendNone)
	v.SetDefault("persistence.path", "")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.interface", "")

	setObservabilityDefaults(v)
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("manager_addr", "")
	v.SetDefault("host_id", hostname())
	v.SetDefault("data_center_id", "")
	v.SetDefault("hypervisor_type", "kvm")
	v.SetDefault("cluster_key", "")
	v.SetDefault("answer_delay", time.Duration(0))

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")

	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.initial", time.Second)
	v.SetDefault("reconnect.max", time.Minute)
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.jitter", 0.25)
	v.SetDefault("reconnect.attempt_timeout", 30*time.Second)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.interface", "")

	setObservabilityDefaults(v)
}

// BindObservabilityFlags binds the logging flags shared by both binaries.
func BindObservabilityFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// BindManagerFlags binds the serve command flags.
func BindManagerFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("listen", "", "listen address")
	f.String("manager-id", "", "manager id advertised to agents")
	f.StringSlice("data-center", nil, "data centers served (repeatable)")
	f.String("cluster-key", "", "hex cluster key; empty disables handshake proofs")
	f.String("persistence", "", "host state backend (none, file, sqlite)")
	f.String("state-path", "", "host state file or database path")
	f.Bool("mdns", false, "advertise the manager over mDNS")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("trace-file", "", "write a protocol trace to this file")

	_ = v.BindPFlag("listen_addr", f.Lookup("listen"))
	_ = v.BindPFlag("manager_id", f.Lookup("manager-id"))
	_ = v.BindPFlag("data_centers", f.Lookup("data-center"))
	_ = v.BindPFlag("cluster_key", f.Lookup("cluster-key"))
	_ = v.BindPFlag("persistence.backend", f.Lookup("persistence"))
	_ = v.BindPFlag("persistence.path", f.Lookup("state-path"))
	_ = v.BindPFlag("discovery.enabled", f.Lookup("mdns"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("observability.trace_file", f.Lookup("trace-file"))
}

// BindAgentFlags binds the agent run flags.
func BindAgentFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("manager", "", "manager address (host:port); empty browses mDNS")
	f.String("host-id", "", "host id")
	f.String("data-center", "", "data center id")
	f.String("hypervisor", "", "hypervisor type")
	f.String("cluster-key", "", "hex cluster key")
	f.Duration("answer-delay", 0, "simulated command processing time")
	f.Bool("mdns", false, "find the manager over mDNS")
	f.Bool("reconnect", true, "reconnect after connection loss")

	_ = v.BindPFlag("manager_addr", f.Lookup("manager"))
	_ = v.BindPFlag("host_id", f.Lookup("host-id"))
	_ = v.BindPFlag("data_center_id", f.Lookup("data-center"))
	_ = v.BindPFlag("hypervisor_type", f.Lookup("hypervisor"))
	_ = v.BindPFlag("cluster_key", f.Lookup("cluster-key"))
	_ = v.BindPFlag("answer_delay", f.Lookup("answer-delay"))
	_ = v.BindPFlag("discovery.enabled", f.Lookup("mdns"))
	_ = v.BindPFlag("reconnect.enabled", f.Lookup("reconnect"))
}

// read applies env overrides and the config file. A missing file is an
// error only when configFile names it explicitly.
func read(v *viper.Viper, name, configFile string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fleetwire")
		v.AddConfigPath("/etc/fleetwire")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// LoadManager merges defaults, file, env and bound flags.
func LoadManager(v *viper.Viper, configFile string) (ManagerConfig, error) {
	setManagerDefaults(v)
	if err := read(v, "manager", configFile); err != nil {
		return ManagerConfig{}, err
	}
	var cfg ManagerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ManagerConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadAgent merges defaults, file, env and bound flags.
func LoadAgent(v *viper.Viper, configFile string) (AgentConfig, error) {
	setAgentDefaults(v)
	if err := read(v, "agent", configFile); err != nil {
		return AgentConfig{}, err
	}
	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c ObservabilityConfig) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("log format %q", c.LogFormat)
	}
	return nil
}

func (c TLSConfig) validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return invalid("tls needs both cert_file and key_file")
	}
	return nil
}

// Validate checks the manager configuration.
func (c ManagerConfig) Validate() error {
	if c.ListenAddr == "" {
		return invalid("listen_addr is required")
	}
	if c.ManagerID == "" {
		return invalid("manager_id is required")
	}
	if c.Dispatch.DefaultTimeout <= 0 || c.Dispatch.SweepInterval <= 0 ||
		c.Dispatch.HandshakeTimeout <= 0 || c.Dispatch.ListenerTimeout <= 0 {
		return invalid("dispatch timeouts must be positive")
	}
	if c.Hosts.AlertAfterMisses < 1 || c.Hosts.DownAfterMisses < c.Hosts.AlertAfterMisses {
		return invalid("hosts: need 1 <= alert_after_misses <= down_after_misses")
	}
	if c.KeepAlive.PingInterval <= 0 || c.KeepAlive.PongTimeout <= 0 || c.KeepAlive.MaxMissedPongs < 1 {
		return invalid("keepalive settings must be positive")
	}
	if c.Callbacks.Workers < 1 || c.Callbacks.QueueSize < 1 {
		return invalid("callbacks need at least one worker and queue slot")
	}
	switch c.Persistence.Backend {
	case BackendNone:
	case BackendFile, BackendSQLite:
		if c.Persistence.Path == "" {
			return invalid("persistence backend %s needs a path", c.Persistence.Backend)
		}
	default:
		return invalid("unknown persistence backend %q", c.Persistence.Backend)
	}
	if err := c.TLS.validate(); err != nil {
		return err
	}
	return c.Observability.validate()
}

// Validate checks the agent configuration.
func (c AgentConfig) Validate() error {
	if c.HostID == "" {
		return invalid("host_id is required")
	}
	if c.ManagerAddr == "" && !c.Discovery.Enabled {
		return invalid("manager_addr is required unless discovery is enabled")
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		return invalid("reconnect: need 0 < initial <= max")
	}
	if c.AnswerDelay < 0 {
		return invalid("answer_delay must not be negative")
	}
	if err := c.TLS.validate(); err != nil {
		return err
	}
	return c.Observability.validate()
}

// Redacted returns a copy with secrets masked.
func (c ManagerConfig) Redacted() ManagerConfig {
	if c.ClusterKey != "" {
		c.ClusterKey = "<redacted>"
	}
	return c
}

// YAML renders cfg as YAML.
func YAML(cfg any) ([]byte, error) {
	return yaml.Marshal(cfg)
}
