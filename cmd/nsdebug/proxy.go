package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NativeScript/nativescript-cli-sub024/internal/config"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
	"github.com/NativeScript/nativescript-cli-sub024/internal/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Proxy a debugger front end to the application's debug socket",
	Long: `Starts a proxy for the application's debug socket and prints the address
front ends connect to.

  --kind tcp        raw byte pipe on a unix socket (or TCP port, see tcp-listen)
  --kind websocket  websocket text tunnel for DevTools front ends

The process exits when the debugger disconnects unless --stay-alive is set.`,
	RunE: runProxy,
}

func init() {
	addTimeoutFlags(proxyCmd)
	proxyCmd.Flags().String("kind", string(proxy.KindWebSocket), "Proxy kind: tcp or websocket")
	proxyCmd.Flags().String("project", "", "Project name passed to the device")
	proxyCmd.Flags().Bool("attach", false, "Negotiate an attach before starting the proxy")
	proxyCmd.Flags().Bool("stay-alive", false, "Keep running after the debugger disconnects")
}

func proxyConfig(cfg *config.Config, events *notification.Events) proxy.Config {
	return proxy.Config{
		ListenHost:         cfg.ListenHost,
		TCPNetwork:         proxy.TCPNetwork(cfg.TCPListen),
		AppResponseTimeout: cfg.AppResponseTimeout,
		LockGrace:          cfg.LockGrace,
		MaxFrameSize:       cfg.MaxFrameSize,
		StayAlive:          cfg.StayAlive,
		ExitFunc: func(code int) {
			logger.Flush()
			os.Exit(code)
		},
		Logger: logger.Logger,
		Events: events,
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if doAttach, _ := cmd.Flags().GetBool("attach"); doAttach {
		if err := a.attach(ctx); err != nil {
			return err
		}
	}

	pc := proxyConfig(a.cfg, a.events)
	pc.Metrics = a.metrics
	registry := proxy.NewRegistry(pc)

	sub := a.events.ConnectionErrors.Subscribe(func(e notification.ConnectionErrorEvent) {
		fmt.Fprintf(cmd.ErrOrStderr(), "debug connection to %s on %s failed: %v\n", e.AppID, e.DeviceID, e.Err)
	})
	defer sub.Cancel()

	projectName, _ := cmd.Flags().GetString("project")
	kind, _ := cmd.Flags().GetString("kind")

	var server proxy.Server
	switch proxy.Kind(kind) {
	case proxy.KindTCP:
		server, err = registry.AddTCPSocketProxy(ctx, a.sim, a.appID, projectName)
	case proxy.KindWebSocket, "ws":
		server, err = registry.EnsureWebSocketProxy(ctx, a.sim, a.appID, projectName)
	default:
		return fmt.Errorf("unknown proxy kind %q", kind)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), server.Addr())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-server.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return registry.Shutdown(shutdownCtx)
}
