package main

import (
	"fmt"
	"strings"

	"github.com/specterops/graphguard"
	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/config"
	"github.com/specterops/graphguard/plugin"
	"github.com/spf13/cobra"
)

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the configured engine as seen by a handle at the effective access level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			return opts.run(cmd.Context(), func(handle *graphguard.Handle) error {
				printHeader(out, "Engine")
				printField(out, "Driver", opts.cfg.Driver)
				printField(out, "Access level", handle.AccessLevel())
				printField(out, "Generation", handle.Generation())

				estimate, err := handle.EstimateNumVertices()
				if err != nil {
					return err
				}

				printField(out, "Estimated vertices", estimate)

				for _, isVertex := range []bool{true, false} {
					labels, err := handle.ListLabels(cmd.Context(), isVertex)
					if err != nil {
						return err
					}

					if isVertex {
						printField(out, "Vertex labels", len(labels))
					} else {
						printField(out, "Edge labels", len(labels))
					}

					for _, label := range labels {
						printItem(out, label, "")
					}
				}

				// Full-text index listing is an administrative operation.
				if handle.AccessLevel().Satisfies(access.LevelFull) {
					specs, err := handle.ListFullTextIndexes(cmd.Context())
					if err != nil {
						return err
					}

					printField(out, "Full-text indexes", len(specs))

					for _, spec := range specs {
						printItem(out, spec.String(), "")
					}
				}

				return nil
			})
		},
	}
}

func newBackupCommand(opts *rootOptions) *cobra.Command {
	var compact bool

	command := &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a snapshot of the engine to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(handle *graphguard.Handle) error {
				if written, err := handle.Backup(cmd.Context(), args[0], compact); err != nil {
					return err
				} else {
					printSuccess(cmd.OutOrStdout(), "wrote %d bytes to %s", written, args[0])
				}

				return nil
			})
		},
	}

	command.Flags().BoolVar(&compact, "compact", false, "compact the snapshot while writing it")
	return command
}

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path>",
		Short: "Replace the engine with the contents of a backup and persist it to the data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			level, err := opts.accessLevel()
			if err != nil {
				return err
			}

			opened, err := openRuntime(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}

			if err := opened.restore(ctx, opts.cfg, opts.logger, args[0]); err != nil {
				opened.close(ctx, opts.logger)
				return err
			}

			err = opened.withHandle(level, func(handle *graphguard.Handle) error {
				printSuccess(cmd.OutOrStdout(), "restored %s as generation %d", args[0], handle.Generation())
				return nil
			})

			if err != nil {
				opened.close(ctx, opts.logger)
				return err
			}

			return opened.close(ctx, opts.logger)
		},
	}
}

func newWarmUpCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Reclaim old versions and refresh engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(handle *graphguard.Handle) error {
				if err := handle.WarmUp(cmd.Context()); err != nil {
					return err
				}

				if estimate, err := handle.EstimateNumVertices(); err == nil {
					printSuccess(cmd.OutOrStdout(), "warmed up, about %d vertices", estimate)
				} else {
					printSuccess(cmd.OutOrStdout(), "warmed up")
				}

				return nil
			})
		},
	}
}

func newPluginsCommand(opts *rootOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect stored procedures",
	}

	command.AddCommand(newPluginsListCommand(opts))
	return command
}

func newPluginsListCommand(opts *rootOptions) *cobra.Command {
	var (
		pluginType = &pluginTypeFlag{pluginType: plugin.TypeNative}
		token      string
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "List the stored procedures of one plugin type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			return opts.run(cmd.Context(), func(handle *graphguard.Handle) error {
				descriptors, err := handle.ListPlugins(cmd.Context(), pluginType.pluginType, token)
				if err != nil {
					return err
				}

				printHeader(out, fmt.Sprintf("%s plugins (%d)", pluginType, len(descriptors)))

				for _, descriptor := range descriptors {
					var details []string

					details = append(details, descriptor.CodeType.String())

					if descriptor.ReadOnly {
						details = append(details, "read-only")
					}

					if descriptor.Description != "" {
						details = append(details, descriptor.Description)
					}

					printItem(out, descriptor.Name, "("+strings.Join(details, ", ")+")")
				}

				return nil
			})
		},
	}

	command.Flags().Var(pluginType, "type", "plugin type to list (native|script)")
	command.Flags().StringVar(&token, "token", "", "caller token passed to the procedure manager")

	return command
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "config",
		Short: "Work with graphguard configuration files",
	}

	command.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print its effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(opts.cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			printSuccess(out, "configuration is valid")
			printField(out, "Driver", opts.cfg.Driver)
			printField(out, "Access level", opts.cfg.AccessLevel)
			printField(out, "Data directory", opts.cfg.Engine.DataDir)
			printField(out, "Reload timeout", opts.cfg.ReloadTimeout())
			printField(out, "Plugin store", opts.cfg.PluginStore.Configured())
			printField(out, "Cypher host", opts.cfg.Cypher.Configured())

			return nil
		},
	})

	return command
}
