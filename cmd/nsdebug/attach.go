package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NativeScript/nativescript-cli-sub024/internal/handshake"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Negotiate a debugger attach with a running application",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := a.attach(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is ready for a debugger\n", a.appID)
		return nil
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Negotiate a debugger attach with an application that is starting",
	Long: `Waits for the runtime to announce it is launching, optionally asks it to
stop before running application code, and requests an attach.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		shouldBreak, _ := cmd.Flags().GetBool("break")
		skipHandshake, _ := cmd.Flags().GetBool("skip-handshake")

		err = a.executor.ExecuteLaunchRequest(ctx, a.sim, a.appID, a.sim.Identifier(),
			a.cfg.AttachTimeout, a.cfg.ReadyTimeout, handshake.LaunchOptions{
				ShouldBreak:   shouldBreak,
				SkipHandshake: skipHandshake,
			})
		if err != nil {
			return fmt.Errorf("launch handshake with %s failed: %w", a.appID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is ready for a debugger\n", a.appID)
		return nil
	},
}

func addTimeoutFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for each runtime notification")
	cmd.Flags().Int("inspector-port", 18183, "Runtime inspector port on the simulator")
}

func init() {
	addTimeoutFlags(attachCmd)
	addTimeoutFlags(launchCmd)
	launchCmd.Flags().Duration("ready-timeout", 5*time.Second, "How long to wait for the runtime to become ready after the attach request")
	launchCmd.Flags().Bool("break", false, "Stop the application before it runs any code")
	launchCmd.Flags().Bool("skip-handshake", false, "Do not wait for the launch announcement")
}

