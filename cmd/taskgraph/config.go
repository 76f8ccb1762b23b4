package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or inspect the configuration",
		// Neither subcommand needs the graph open.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	cmd.AddCommand(newConfigInitCmd(a), newConfigShowCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var (
		path    string
		force   bool
		command string
		cmdArgs []string
		skills  []string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Long: `Write the default configuration to .taskgraph/config.json so it can be
edited. An existing file is left alone unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if command != "" {
				cfg.Executor.Command = command
				cfg.Executor.Args = cmdArgs
			}
			cfg.Executor.Skills = skills
			if err := config.Save(cfg, path, force); err != nil {
				return err
			}
			a.printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", config.ProjectPath(), "File to write")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing file")
	cmd.Flags().StringVar(&command, "command", "", "executor.command for \"taskgraph run\"")
	cmd.Flags().StringArrayVar(&cmdArgs, "arg", nil, "executor.args entry (repeatable)")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "executor.skills offered by run's workers")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after merging ~/.taskgraph/config.json, .taskgraph/config.json and TASKGRAPH_* variables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return a.printJSON(cfg)
		},
	}
}
