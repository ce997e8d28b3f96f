package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowplugins/flowplugins/cfg"
	"github.com/flowplugins/flowplugins/printer"
	"github.com/flowplugins/flowplugins/util"
	"github.com/flowplugins/flowplugins/version"
)

var (
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "flowplugins",
	Short:         "Replay packet captures through the flow-decoding plugin set.",
	Long:          "flowplugins dissects a replayed capture flow by flow, running every registered protocol plugin over each packet and writing one decoded record per terminated flow.",
	Version:       version.CLIDisplayString(),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	cfg.Init()
	if cmd, err := rootCmd.ExecuteC(); err != nil {
		cmd.Println(cmd.UsageString())

		exitCode := 1
		var exitErr util.ExitError
		if isExitErr := errors.As(err, &exitErr); isExitErr {
			exitCode = exitErr.ExitCode
		}
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "If set, outputs detailed information for debugging.")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}
