package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/specterops/graphguard"
	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	noColor    bool
	level      levelFlag

	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	command := &cobra.Command{
		Use:           "graphctl",
		Short:         "Administer a graphguard storage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			color.NoColor = color.NoColor || opts.noColor

			if opts.configPath == "" {
				opts.cfg = config.Default()
			} else if cfg, err := config.Load(opts.configPath); err != nil {
				return err
			} else {
				opts.cfg = cfg
			}

			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: opts.cfg.SlogLevel(),
			}))

			return nil
		},
	}

	command.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("GRAPHGUARD_CONFIG"), "path to a graphguard YAML configuration")
	command.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	command.PersistentFlags().Var(&opts.level, "level", "access level of the handle (none|read|write|full), defaults to the configured level")

	command.AddCommand(
		newInfoCommand(opts),
		newBackupCommand(opts),
		newRestoreCommand(opts),
		newWarmUpCommand(opts),
		newPluginsCommand(opts),
		newConfigCommand(opts),
	)

	return command
}

// accessLevel returns the level requested on the command line or, when none was given, the configured one.
func (s *rootOptions) accessLevel() (access.Level, error) {
	if s.level.set {
		return s.level.level, nil
	}

	return s.cfg.Level()
}

// run opens the configured engine, passes a handle at the effective access level to delegate and tears everything
// down afterwards.
func (s *rootOptions) run(ctx context.Context, delegate func(handle *graphguard.Handle) error) error {
	level, err := s.accessLevel()
	if err != nil {
		return err
	}

	opened, err := openRuntime(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}

	if err := opened.withHandle(level, delegate); err != nil {
		opened.close(ctx, s.logger)
		return err
	}

	return opened.close(ctx, s.logger)
}
