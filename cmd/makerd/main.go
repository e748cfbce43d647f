// Command makerd runs the maker daemon and its database migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/cfdmaker/internal/app/daemon"
	"github.com/coachpo/cfdmaker/internal/infra/config"
	"github.com/coachpo/cfdmaker/internal/infra/persistence/migrations"
	"github.com/coachpo/cfdmaker/internal/observability"
)

const (
	defaultMigrationTimeout = 30 * time.Second
	exitCodeGeneral         = 1
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(exitCodeGeneral)
	}
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "makerd",
		Short:         "Maker daemon for CFD contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"Path to the YAML configuration file; MAKER_* variables override it")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Serve takers and the control API until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd.Context(), flags)
			},
		},
		newMigrateCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the daemon version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "makerd %s\n", version)
			},
		},
	)
	return root
}

func runDaemon(ctx context.Context, flags *rootFlags) error {
	cfg, err := config.Load(ctx, flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("assemble daemon: %w", err)
	}
	return d.Run(ctx)
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var (
		dir     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back contract store migrations",
	}
	cmd.PersistentFlags().StringVar(&dir, "path", "", "Directory containing SQL migrations (default: embedded)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "Maximum time to wait for the database")

	prepare := func(cmd *cobra.Command) (context.Context, context.CancelFunc, config.AppConfig, observability.Logger, error) {
		cfg, err := config.Load(cmd.Context(), flags.configPath)
		if err != nil {
			return nil, nil, config.AppConfig{}, nil, fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.Driver != config.DriverPostgres {
			return nil, nil, config.AppConfig{}, nil, fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
		}
		logger, err := observability.NewZerolog(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			return nil, nil, config.AppConfig{}, nil, err
		}
		if dir == "" {
			dir = cfg.Database.MigrationsDir
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		return ctx, cancel, cfg, logger, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel, cfg, logger, err := prepare(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				return migrations.Apply(ctx, cfg.Database.DSN, dir, logger)
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one step by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps, err := parseSteps(args)
				if err != nil {
					return err
				}
				ctx, cancel, cfg, logger, err := prepare(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				return migrations.Rollback(ctx, cfg.Database.DSN, dir, steps, logger)
			},
		},
	)
	return cmd
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[0], err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("down steps must be >0, got %d", n)
	}
	return n, nil
}
