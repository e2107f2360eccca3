package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesBothSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaylink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ExampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Relay.Port)
	assert.Equal(t, "0.0.0.0", cfg.Relay.Host)
	assert.Equal(t, "https://relay.example.com", cfg.Relay.PublicURL)
	assert.Equal(t, 100, cfg.Relay.MaxRequests)
	assert.Equal(t, "your-secret-token", cfg.Relay.Token)
	idleTimeout, err := cfg.Relay.IdleTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, idleTimeout)

	assert.Equal(t, "https://relay.example.com", cfg.Agent.Server)
	assert.Equal(t, 3000, cfg.Agent.Port)
	assert.Equal(t, "my-project", cfg.Agent.Subdomain)
	assert.False(t, cfg.Agent.TUI)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [this is not a mapping"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestFindConfigFilePrefersWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	assert.Equal(t, "", FindConfigFile())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaylink.yaml"), []byte("relay:\n  port: 1\n"), 0o644))
	assert.Equal(t, "relaylink.yaml", FindConfigFile())
}

func TestRelayConfigValidate(t *testing.T) {
	valid := RelayConfig{Port: 8080, MaxRequests: 10}
	assert.NoError(t, valid.Validate())

	badPort := RelayConfig{Port: 70000}
	assert.Error(t, badPort.Validate())

	badURL := RelayConfig{Port: 8080, PublicURL: "://not-a-url"}
	assert.Error(t, badURL.Validate())

	mismatchedTLS := RelayConfig{Port: 8080, TLSCert: "/tmp/does-not-exist.pem"}
	assert.Error(t, mismatchedTLS.Validate())

	negativeMax := RelayConfig{Port: 8080, MaxRequests: -1}
	assert.Error(t, negativeMax.Validate())
}

func TestRelayConfigIdleTimeoutDuration(t *testing.T) {
	defaultCfg := RelayConfig{}
	d, err := defaultCfg.IdleTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	set := RelayConfig{IdleTimeout: "2h30m"}
	d, err = set.IdleTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour+30*time.Minute, d)

	invalid := RelayConfig{IdleTimeout: "not-a-duration"}
	_, err = invalid.IdleTimeoutDuration()
	assert.Error(t, err)
}

func TestAgentConfigValidate(t *testing.T) {
	valid := AgentConfig{Server: "https://relay.example.com", Port: 3000}
	assert.NoError(t, valid.Validate())

	badScheme := AgentConfig{Server: "ftp://relay.example.com", Port: 3000}
	assert.Error(t, badScheme.Validate())

	badPort := AgentConfig{Server: "https://relay.example.com", Port: -1}
	assert.Error(t, badPort.Validate())

	emptyServer := AgentConfig{Port: 3000}
	assert.NoError(t, emptyServer.Validate())
}
