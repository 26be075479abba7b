package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/grs/config"
	grsconfig "github.com/cochaviz/grs/internal/config"
	"github.com/cochaviz/grs/internal/daemon"
	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/setup"
)

const defaultLogLevel = "info"

type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "grs",
		Short:         "Build and maintain Gentoo system images from declarative build scripts",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", simple.DefaultConfigPath, "Path to the namespace configuration")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(opts.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(logger, opts),
		newStopCommand(logger, opts),
		newRestartCommand(logger, opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newCheckCommand(logger, opts),
		newCleanCommand(logger, opts),
		newSetupCommand(logger, opts),
		newInterpretCommand(logger, levelVar, opts),
	)
	return root
}

// selectNamespaces loads the configuration and picks the named namespaces,
// or all of them when none are named.
func selectNamespaces(opts *globalOptions, names []string) ([]grsconfig.Namespace, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return cfg.Select(names...)
}

// loadConfig verifies that setup has run before reading the configuration.
func loadConfig(opts *globalOptions) (*grsconfig.Config, error) {
	if err := setup.Verify(opts.configPath); err != nil {
		if errors.Is(err, setup.ErrNotConfigured) {
			return nil, fmt.Errorf("%w; run 'grs setup' to initialize the configuration", err)
		}
		return nil, err
	}
	return simple.Load(opts.configPath)
}

// daemonArgs is the command line a detached daemon re-executes.
func daemonArgs(opts *globalOptions, name string, run simple.RunOptions) []string {
	args := []string{"--config", opts.configPath, "--log-level", opts.logLevel, "interpret", name}
	if run.Update {
		args = append(args, "--update")
	}
	if run.Mock {
		args = append(args, "--mock")
	}
	return args
}

func newRunCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		run        simple.RunOptions
		foreground bool
	)

	cmd := &cobra.Command{
		Use:   "run [names...]",
		Short: "Start the build of the named namespaces, or of all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}

			if foreground {
				if len(namespaces) != 1 {
					return fmt.Errorf("--foreground builds exactly one namespace, got %d", len(namespaces))
				}
				return simple.Interpret(context.WithoutCancel(cmd.Context()), namespaces[0], run, logger)
			}

			for _, ns := range namespaces {
				cmdLogger := logger.With("command", "run", "namespace", ns.Name)
				pid, err := simple.Start(ns, daemonArgs(opts, ns.Name, run), cmdLogger)
				if errors.Is(err, daemon.ErrAlreadyRunning) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\talready running (pid %d)\n", ns.Name, pid)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tstarted (pid %d)\n", ns.Name, pid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&run.Update, "update", "u", false, "Run only '+' lines, ignoring their progress stamps")
	cmd.Flags().BoolVarP(&run.Mock, "mock", "m", false, "Log each directive instead of executing it")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Build in this process instead of a detached daemon")

	return cmd
}

func newStopCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [names...]",
		Short: "Stop the build daemons of the named namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}
			for _, ns := range namespaces {
				if err := simple.Stop(ns, logger.With("command", "stop")); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tstopped\n", ns.Name)
			}
			return nil
		},
	}
}

func newRestartCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var run simple.RunOptions

	cmd := &cobra.Command{
		Use:   "restart [names...]",
		Short: "Stop and start the build daemons of the named namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}
			for _, ns := range namespaces {
				pid, err := simple.Restart(ns, daemonArgs(opts, ns.Name, run), logger.With("command", "restart"))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tstarted (pid %d)\n", ns.Name, pid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&run.Update, "update", "u", false, "Run only '+' lines, ignoring their progress stamps")

	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [names...]",
		Short: "Show daemon, mount and progress state of the namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ns := range namespaces {
				status, err := simple.StatusOf(ns)
				if err != nil {
					return err
				}
				state := "stopped"
				if status.Running {
					state = fmt.Sprintf("running (pid %d)", status.PID)
				}
				mounts := "unmounted"
				switch {
				case status.AllMounted:
					mounts = "mounted"
				case status.AnyMounted:
					mounts = "partially mounted"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\tsynced=%t seeded=%t lines=%s generations=%d\n",
					ns.Name, state, mounts, status.Progress.Synced, status.Progress.Seeded, formatLines(status.Progress.Lines), len(status.Generations))
			}
			return nil
		},
	}
}

func formatLines(lines []int) string {
	if len(lines) == 0 {
		return "none"
	}
	parts := make([]string, len(lines))
	for i, n := range lines {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}

func newListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured namespaces in run order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			for i, name := range cfg.Names() {
				ns, err := cfg.At(i)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", i, name, ns.PortageConfigRoot)
			}
			return nil
		},
	}
}

func newCheckCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Parse the build script of a namespace without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}
			script, err := simple.Check(namespaces[0])
			if err != nil {
				return err
			}
			updates := 0
			for _, d := range script.Directives {
				if d.Update {
					updates++
				}
			}
			logger.Info("build script is valid", "namespace", namespaces[0].Name, "directives", len(script.Directives), "update_directives", updates)
			return nil
		},
	}
}

func newCleanCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove the progress stamps of a namespace so the next run starts over",
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}
			removed, err := simple.Clean(namespaces[0], logger.With("command", "clean"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tremoved %d stamps\n", namespaces[0].Name, removed)
			return nil
		},
	}
}

func newSetupCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup [names...]",
		Short: "Write a starter namespace configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")

			if setup.Verify(opts.configPath) == nil {
				if !clearConfig {
					cmdLogger.Info("system already configured", "hint", "use 'grs setup --clear' to reinitialize")
					return nil
				}
				if err := setup.ClearConfig(opts.configPath); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return err
				}
			}

			names := args
			if len(names) == 0 {
				names = []string{"desktop"}
			}
			if err := setup.WriteConfig(opts.configPath, names...); err != nil {
				cmdLogger.Error("write configuration failed", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Replace an existing configuration")

	return cmd
}

func newInterpretCommand(logger *slog.Logger, levelVar *slog.LevelVar, opts *globalOptions) *cobra.Command {
	var run simple.RunOptions

	cmd := &cobra.Command{
		Use:    "interpret <name>",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		Short:  "Execute the build of one namespace in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon.Detached() {
				errFile, err := daemon.Settle(setup.LogDir)
				if err != nil {
					return err
				}
				defer errFile.Close()
				logger = logging.NewDaemon(errFile, levelVar)
				slog.SetDefault(logger)
			}

			namespaces, err := selectNamespaces(opts, args)
			if err != nil {
				return err
			}
			// Signals are handled by the shutdown coordinator, not by
			// cancelling the build.
			ctx := context.WithoutCancel(cmd.Context())
			return simple.Interpret(ctx, namespaces[0], run, logger.With("command", "interpret"))
		},
	}

	cmd.Flags().BoolVarP(&run.Update, "update", "u", false, "Run only '+' lines, ignoring their progress stamps")
	cmd.Flags().BoolVarP(&run.Mock, "mock", "m", false, "Log each directive instead of executing it")

	return cmd
}
