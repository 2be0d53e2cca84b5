package main

import (
	"maps"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pansave/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			_, err := cc.Out.Write([]byte(cc.Holder.Path() + "\n"))

			return err
		},
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Holder.Config()

	if cc.Flags.JSON {
		masked := *cfg
		masked.Accounts = maps.Clone(cfg.Accounts)

		for name, a := range masked.Accounts {
			a.Secret = config.MaskSecret(a.Secret)
			masked.Accounts[name] = a
		}

		return printJSON(cc.Out, &masked)
	}

	return config.RenderEffective(cfg, cc.Holder.Path(), cc.Out)
}
