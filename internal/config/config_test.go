package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.AppResponseTimeout)
	assert.Equal(t, 10*time.Second, cfg.LockGrace)
	assert.Equal(t, 16<<20, cfg.MaxFrameSize)
	assert.Equal(t, "unix", cfg.TCPListen)
	assert.Equal(t, 18183, cfg.InspectorPort)
	assert.False(t, cfg.StayAlive)
}

func TestParseKDLConfig(t *testing.T) {
	input := `// nsdebug configuration
attach-timeout 2500
ready-timeout 1000
app-response-timeout 30000
lock-grace 5000
max-frame-size 1048576
listen-host "localhost"
tcp-listen "tcp"
inspector-port 18200
stay-alive true
`

	cfg, err := ParseKDLConfig(input)
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.AttachTimeout)
	assert.Equal(t, time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 30*time.Second, cfg.AppResponseTimeout)
	assert.Equal(t, 5*time.Second, cfg.LockGrace)
	assert.Equal(t, 1<<20, cfg.MaxFrameSize)
	assert.Equal(t, "localhost", cfg.ListenHost)
	assert.Equal(t, "tcp", cfg.TCPListen)
	assert.Equal(t, 18200, cfg.InspectorPort)
	assert.True(t, cfg.StayAlive)
}

func TestParseKDLConfig_PartialKeepsDefaults(t *testing.T) {
	cfg, err := ParseKDLConfig("stay-alive true\n")
	require.NoError(t, err)

	def := Default()
	assert.True(t, cfg.StayAlive)
	assert.Equal(t, def.AttachTimeout, cfg.AttachTimeout)
	assert.Equal(t, def.ListenHost, cfg.ListenHost)
}

func TestParseKDLConfig_Invalid(t *testing.T) {
	_, err := ParseKDLConfig(`tcp-listen "pipe"` + "\n")
	assert.ErrorContains(t, err, "tcp-listen")

	_, err = ParseKDLConfig("attach-timeout {")
	assert.Error(t, err)
}

func TestValidate_MaxFrameSizeBounds(t *testing.T) {
	cfg := Default()
	cfg.MaxFrameSize = math.MaxUint32
	assert.NoError(t, cfg.Validate())

	cfg.MaxFrameSize = int(int64(math.MaxUint32) + 1)
	assert.ErrorContains(t, cfg.Validate(), "max-frame-size")

	_, err := ParseKDLConfig("max-frame-size 4294967296\n")
	assert.ErrorContains(t, err, "max-frame-size")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.kdl")
	require.NoError(t, os.WriteFile(path, []byte("inspector-port 19000\n"), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 19000, cfg.InspectorPort)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.kdl"))
	assert.Error(t, err)
}

func TestLoadGlobalConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nsdebug"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nsdebug", GlobalConfigFile), []byte("lock-grace 1\n"), 0o600))

	cfg, err = LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, cfg.LockGrace)
}
