package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadManagerDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadManager(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":7400", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.ManagerID)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ReplayWindow)
	assert.Equal(t, 3, cfg.Hosts.DownAfterMisses)
	assert.Equal(t, BackendNone, cfg.Persistence.Backend)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
	assert.False(t, cfg.TLS.Enabled())
}

func TestLoadManagerFileAndEnv(t *testing.T) {
	path := writeFile(t, "manager.yaml", `
listen_addr: ":9000"
data_centers: [dc1, dc2]
dispatch:
  default_timeout: 2s
persistence:
  backend: sqlite
  path: /tmp/fleetwire.db
observability:
  log_format: json
`)
	t.Setenv("FLEETWIRE_LISTEN_ADDR", ":9100")
	t.Setenv("FLEETWIRE_HOSTS_DOWN_AFTER_MISSES", "5")

	cfg, err := LoadManager(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ListenAddr, "env overrides file")
	assert.Equal(t, []string{"dc1", "dc2"}, cfg.DataCenters)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, 5, cfg.Hosts.DownAfterMisses)
	assert.Equal(t, BackendSQLite, cfg.Persistence.Backend)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
}

func TestLoadManagerFlagsWin(t *testing.T) {
	path := writeFile(t, "manager.yaml", "listen_addr: \":9000\"\n")
	v := viper.New()
	cmd := &cobra.Command{Use: "serve"}
	BindManagerFlags(cmd, v)
	BindObservabilityFlags(cmd, v)
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":9200", "--data-center", "dc7", "--log-level", "debug"}))

	cfg, err := LoadManager(v, path)
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.ListenAddr)
	assert.Equal(t, []string{"dc7"}, cfg.DataCenters)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoadManagerMissingExplicitFile(t *testing.T) {
	_, err := LoadManager(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestManagerValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := LoadManager(viper.New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *ManagerConfig)
	}{
		{"no listen", func(c *ManagerConfig) { c.ListenAddr = "" }},
		{"no id", func(c *ManagerConfig) { c.ManagerID = "" }},
		{"zero timeout", func(c *ManagerConfig) { c.Dispatch.DefaultTimeout = 0 }},
		{"thresholds inverted", func(c *ManagerConfig) { c.Hosts.DownAfterMisses = 0 }},
		{"no workers", func(c *ManagerConfig) { c.Callbacks.Workers = 0 }},
		{"sqlite without path", func(c *ManagerConfig) { c.Persistence.Backend = BackendSQLite }},
		{"unknown backend", func(c *ManagerConfig) { c.Persistence.Backend = "etcd" }},
		{"half tls", func(c *ManagerConfig) { c.TLS.CertFile = "cert.pem" }},
		{"bad log format", func(c *ManagerConfig) { c.Observability.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadAgent(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLEETWIRE_MANAGER_ADDR", "mgr:7400")
	t.Setenv("FLEETWIRE_HOST_ID", "h1")

	cfg, err := LoadAgent(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "mgr:7400", cfg.ManagerAddr)
	assert.Equal(t, "h1", cfg.HostID)
	assert.Equal(t, "kvm", cfg.HypervisorType)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, time.Minute, cfg.Reconnect.Max)
}

func TestAgentValidate(t *testing.T) {
	c := AgentConfig{
		HostID:        "h1",
		Reconnect:     ReconnectConfig{Initial: time.Second, Max: time.Minute},
		Observability: ObservabilityConfig{LogFormat: "text"},
	}
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig, "needs an address or discovery")

	c.Discovery.Enabled = true
	assert.NoError(t, c.Validate())

	c.Reconnect.Max = time.Millisecond
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
}

func TestYAMLRedacted(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadManager(viper.New(), "")
	require.NoError(t, err)
	cfg.ClusterKey = "00112233445566778899aabbccddeeff"

	out, err := YAML(cfg.Redacted())
	require.NoError(t, err)
	assert.NotContains(t, string(out), cfg.ClusterKey)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "<redacted>", back["cluster_key"])
	dispatch := back["dispatch"].(map[string]any)
	assert.Equal(t, "30s", dispatch["default_timeout"])
}
