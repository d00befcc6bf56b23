package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NativeScript/nativescript-cli-sub024/internal/config"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
	"github.com/NativeScript/nativescript-cli-sub024/internal/proxy"
)

func testCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	addTimeoutFlags(cmd)
	cmd.Flags().Bool("stay-alive", false, "")
	cmd.Flags().Duration("ready-timeout", 0, "")
	return cmd
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.kdl")
	require.NoError(t, os.WriteFile(path, []byte("attach-timeout 1500\ninspector-port 19000\n"), 0o600))

	cmd := testCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--stay-alive", "--ready-timeout", "2s"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.AttachTimeout)
	assert.Equal(t, 19000, cfg.InspectorPort)
	assert.Equal(t, 2*time.Second, cfg.ReadyTimeout)
	assert.True(t, cfg.StayAlive)

	cmd = testCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--timeout", "3s", "--inspector-port", "20000"}))
	cfg, err = loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.AttachTimeout)
	assert.Equal(t, 20000, cfg.InspectorPort)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cmd := testCommand(t)
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestProxyConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TCPListen = "tcp"
	cfg.StayAlive = true
	events := &notification.Events{}

	pc := proxyConfig(cfg, events)
	assert.Equal(t, proxy.TCPNetworkTCP, pc.TCPNetwork)
	assert.Equal(t, cfg.AppResponseTimeout, pc.AppResponseTimeout)
	assert.Equal(t, cfg.LockGrace, pc.LockGrace)
	assert.Equal(t, cfg.MaxFrameSize, pc.MaxFrameSize)
	assert.True(t, pc.StayAlive)
	assert.Same(t, events, pc.Events)
	assert.NotNil(t, pc.ExitFunc)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "nsdebug v"+appVersion+"\n", out.String())
}
