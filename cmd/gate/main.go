package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootConfig общие флаги всех команд.
type rootConfig struct {
	ConfigPath string
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "gate",
		Short:         "Delegated agent authorization and risk gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&rc.ConfigPath, "config", "c", "", "path to config.yaml (default ./config.yaml or ./configs/config.yaml)")

	cmd.AddCommand(
		newServeCmd(rc),
		newMigrateCmd(rc),
		newTemplatesCmd(rc),
		newUsersCmd(rc),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
