package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NativeScript/nativescript-cli-sub024/internal/logging"
)

const (
	appName    = "nsdebug"
	appVersion = "0.1.0"
)

var logger = logging.New(appName)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Attach debuggers to NativeScript iOS applications",
	Long: `nsdebug negotiates debugger attach with a NativeScript iOS runtime and
tunnels the debug connection to a local front end:
  - attach/launch handshakes over device notifications
  - raw TCP (or unix socket) proxy to the runtime debug socket
  - websocket proxy for Chrome DevTools style front ends`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a KDL config file (default $XDG_CONFIG_HOME/nsdebug/config.kdl)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	rootCmd.PersistentFlags().String("device", "", "UDID of the booted simulator")
	rootCmd.PersistentFlags().String("app", "", "Application identifier")
	logger.AddLevelFlag(rootCmd.PersistentFlags())

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
	},
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		logger.Error(err, "command failed")
	}
	logger.Flush()
	if err != nil {
		os.Exit(1)
	}
}
