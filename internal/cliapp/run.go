package cliapp

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rvscript/scripthost/hostconfig"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <config.toml>",
		Short: "Boot every configured binary and instance, then report boot status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hostconfig.Load(args[0])
			if err != nil {
				return err
			}
			h, err := bootHost(cfg, baseLogger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booted %d instance(s)\n", h.Registry.Len())
			for _, inst := range h.Registry.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s boot_return=%d\n", inst.Name(), inst.BootReturn())
			}
			return nil
		},
	}
}
