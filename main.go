// Package main provides the payment terminal agent. It exposes the terminal's
// connect, card check, cancel and print commands to WebSocket clients, and
// runs either in the system tray or headless.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotside-studios/davi-pay-agent/buildinfo"
	"github.com/dotside-studios/davi-pay-agent/config"
	"github.com/dotside-studios/davi-pay-agent/logging"
	"github.com/dotside-studios/davi-pay-agent/pay/remote"
	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	portFlag   int
	driverFlag string

	execURL     string
	execSecret  string
	execTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   buildinfo.Name,
	Short: buildinfo.Description,
	Long: `Davi Pay Agent bridges a payment terminal to local applications.
Clients connect over WebSocket and issue connect, checkCard,
cancelCheckCard and print commands. Without a subcommand the agent
runs in the system tray.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		NewSystrayApp(NewAgent(cfg, logger)).Run()
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent without the system tray",
	RunE:  runServe,
}

var execCmd = &cobra.Command{
	Use:   "exec <command> [content]",
	Short: "Send one command to a running agent",
	Long: `Send connect, checkCard, cancelCheckCard or print to a running agent
and print its answer as JSON. print takes the content to print.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		remoteCfg := remote.Config{
			URL:       cfg.Kernel.Remote.URL,
			APISecret: cfg.Kernel.Remote.APISecret,
			DialTries: cfg.Kernel.Remote.DialTries,
		}
		if execURL != "" {
			remoteCfg.URL = execURL
		}
		if execSecret != "" {
			remoteCfg.APISecret = execSecret
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, execTimeout)
		defer cancelTimeout()

		return runExec(ctx, remoteCfg, cfg.Kernel.Service, args, cmd.OutOrStdout(), logger)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), buildinfo.BuildInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./config.yaml or the user config directory)")
	rootCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 0, "port to listen on (overrides config)")
	rootCmd.PersistentFlags().StringVar(&driverFlag, "driver", "", "kernel driver: mock, libnfc or remote (overrides config)")

	execCmd.Flags().StringVar(&execURL, "url", "", "agent WebSocket URL (default is kernel.remote.url)")
	execCmd.Flags().StringVar(&execSecret, "secret", "", "agent API secret (default is kernel.remote.apiSecret)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 90*time.Second, "how long to wait for the answer")

	rootCmd.AddCommand(serveCmd, execCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if driverFlag != "" {
		cfg.Kernel.Driver = driverFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting", zap.String("version", buildinfo.FullVersion()), zap.String("driver", cfg.Kernel.Driver))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent := NewAgent(cfg, logger)
	if err := agent.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-agent.Done():
		logger.Warn("server stopped unexpectedly")
	}
	agent.Stop()
	return nil
}

// runExec dials the agent, sends one command and writes the outcome to out.
// A rejected command is written too and returned as an error.
func runExec(ctx context.Context, remoteCfg remote.Config, service string, args []string, out io.Writer, logger *zap.Logger) error {
	command, err := paybridge.ParseCommand(args[0])
	if err != nil {
		return err
	}

	var cmdArgs []any
	if command == paybridge.CommandPrint {
		if len(args) < 2 {
			return fmt.Errorf("print needs the content to print")
		}
		cmdArgs = []any{args[1]}
	}

	d, err := remote.Dial(ctx, remoteCfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	bridge := paybridge.New(d, paybridge.WithService(service))
	value, callErr := paybridge.Await(ctx, bridge.InvokeResult(ctx, command, cmdArgs))

	report := map[string]any{"command": command.String(), "success": callErr == nil}
	var dispatchErr *paybridge.DispatchError
	switch {
	case callErr == nil:
		report["result"] = value
	case errors.As(callErr, &dispatchErr):
		report["error"] = dispatchErr.Payload
	default:
		report["error"] = callErr.Error()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return callErr
}
