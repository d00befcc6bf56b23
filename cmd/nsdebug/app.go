package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/NativeScript/nativescript-cli-sub024/internal/config"
	"github.com/NativeScript/nativescript-cli-sub024/internal/device"
	"github.com/NativeScript/nativescript-cli-sub024/internal/handshake"
	"github.com/NativeScript/nativescript-cli-sub024/internal/metrics"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
)

// app bundles what every command needs.
type app struct {
	cfg      *config.Config
	sim      *device.Simulator
	appID    string
	events   *notification.Events
	metrics  *metrics.Metrics
	executor *handshake.Executor

	metricsServer *http.Server
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadConfigFile(path)
	} else {
		cfg, err = config.LoadGlobalConfig()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.AttachTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("ready-timeout") {
		cfg.ReadyTimeout, _ = flags.GetDuration("ready-timeout")
	}
	if flags.Changed("stay-alive") {
		cfg.StayAlive, _ = flags.GetBool("stay-alive")
	}
	if flags.Changed("inspector-port") {
		cfg.InspectorPort, _ = flags.GetInt("inspector-port")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	udid, _ := cmd.Flags().GetString("device")
	appID, _ := cmd.Flags().GetString("app")
	if appID == "" {
		return nil, errors.New("--app is required")
	}

	sim, err := device.NewSimulator(device.SimulatorConfig{
		UDID:          udid,
		InspectorPort: cfg.InspectorPort,
		DialTimeout:   cfg.AppResponseTimeout,
		Logger:        logger.WithName("simulator"),
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	events := &notification.Events{}

	a := &app{
		cfg:      cfg,
		sim:      sim,
		appID:    appID,
		events:   events,
		metrics:  m,
		executor: handshake.NewExecutor(notification.NewNotifier(events), m, logger.WithName("handshake")),
	}

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr != "" {
		a.serveMetrics(addr, reg)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server stopped", "addr", addr)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
}

func (a *app) close() {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.metricsServer.Shutdown(ctx)
	}
}

// attach runs the attach negotiation and turns a refusal into an error.
func (a *app) attach(ctx context.Context) error {
	outcome, err := a.executor.ExecuteAttachRequest(ctx, a.sim, a.appID, a.sim.Identifier(), a.cfg.AttachTimeout)
	if err != nil {
		return fmt.Errorf("attach to %s failed (%s): %w", a.appID, outcome, err)
	}
	logger.Info("attach negotiated", "app", a.appID, "outcome", outcome.String())
	return nil
}
