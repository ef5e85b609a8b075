package main

import (
	"fmt"

	"github.com/loopholelabs/bttester/pkg/btp/config"
	"github.com/spf13/cobra"
)

var (
	cmdConfig = &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration",
		Long:  ``,
		RunE:  runConfig,
	}
)

var configCheck string

func init() {
	rootCmd.AddCommand(cmdConfig)
	cmdConfig.Flags().StringVarP(&configCheck, "check", "k", "", "Validate a configuration file and print it with defaults applied")
}

func runConfig(_ *cobra.Command, _ []string) error {
	conf := config.DefaultSchema()
	if configCheck != "" {
		var err error
		conf, err = config.ReadSchema(configCheck)
		if err != nil {
			return err
		}
	}
	fmt.Printf("%s", conf.Encode())
	return nil
}
