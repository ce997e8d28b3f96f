package cfg

// Decoder option config can be set in 2 ways:
//
//  1. Via YAML config file under $HOME/.flowplugins/options.yaml, one key
//     per decoder option, e.g.:
//
//     ```yaml
//     enable_save: true
//     output_dir: /var/lib/flowplugins/dump
//     file_prefix: flow_
//     file_suffix: .bin
//     rmdir_on_start: false
//     max_bytes_per_flow: 1048576
//     split_output: true
//     split_threshold: 104857600
//     ```
//
//  2. Via environment variables prefixed FLOWPLUGINS_, e.g.
//     FLOWPLUGINS_OUTPUT_DIR.
//
// Flags bound onto this instance by the run command (cmd/run.go) take
// precedence over both; viper's flag binding handles that precedence for us.

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

var options = viper.New()

const optionsFileName = "options"

func initOptions() {
	options.SetConfigType("yaml")
	options.AddConfigPath(cfgDir)
	options.SetConfigName(optionsFileName)

	options.SetEnvPrefix("flowplugins")
	options.AutomaticEnv()

	options.SetDefault("enable_save", false)
	options.SetDefault("rmdir_on_start", false)
	options.SetDefault("max_bytes_per_flow", int64(0))
	options.SetDefault("split_output", false)
	options.SetDefault("split_threshold", int64(0))

	if err := options.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No persisted options; defaults and flags/env still apply.
		} else {
			fmt.Fprintf(os.Stderr, "Failed to read decoder options config: %v\n", err)
			os.Exit(2)
		}
	}
}

func EnableSave() bool       { return options.GetBool("enable_save") }
func OutputDir() string      { return options.GetString("output_dir") }
func FilePrefix() string     { return options.GetString("file_prefix") }
func FileSuffix() string     { return options.GetString("file_suffix") }
func RmdirOnStart() bool     { return options.GetBool("rmdir_on_start") }
func MaxBytesPerFlow() int64 { return options.GetInt64("max_bytes_per_flow") }
func SplitOutput() bool      { return options.GetBool("split_output") }
func SplitThreshold() int64  { return options.GetInt64("split_threshold") }

// Options returns the live viper instance so cmd/run.go can bind pflags
// directly onto it (BindPFlag).
func Options() *viper.Viper { return options }
