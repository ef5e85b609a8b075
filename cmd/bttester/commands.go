package main

import "github.com/spf13/cobra"

var (
	rootCmd = &cobra.Command{
		Use:           "bttester",
		Short:         "Bluetooth tester agent speaking BTP.",
		Long:          ``,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}
