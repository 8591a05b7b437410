package cmd

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/configstore"
	"github.com/spf13/cobra"
)

// NewCheckConfigCommand creates the check-config command
func NewCheckConfigCommand() *cobra.Command {
	var path, envPrefix string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.Context(), cmd, path, envPrefix)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "modkernel.yaml", "Configuration file (yaml, toml or json)")
	cmd.Flags().StringVar(&envPrefix, "env-prefix", DefaultEnvPrefix, "Prefix of environment overrides")
	return cmd
}

func checkConfig(ctx context.Context, cmd *cobra.Command, path, envPrefix string) error {
	store, err := configstore.New(path, configstore.WithDefaults(defaultConfig()), configstore.WithEnvPrefix(envPrefix))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return err
	}
	cfg := store.GetAll()

	section, err := systemSection(cfg)
	if err != nil {
		return err
	}
	appCfg, err := modkernel.AppConfigFromSection(modkernel.DefaultAppConfig(), section)
	if err != nil {
		return err
	}
	if _, err := modkernel.KernelConfigFromSection(section); err != nil {
		return err
	}

	k, err := newKernel(path, nil)
	if err != nil {
		return err
	}
	if err := k.Modules().ConfigureAll(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK\n", store.Path())
	fmt.Fprintf(out, "  loop period %s (modules %s, events %s), secondary %s\n",
		appCfg.LoopPeriod, appCfg.ModuleBudget, appCfg.EventBudget, appCfg.SecondaryPeriod)
	for _, name := range k.Modules().Names() {
		fmt.Fprintf(out, "  module %s configured\n", name)
	}
	return nil
}
