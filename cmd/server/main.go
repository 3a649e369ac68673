package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
	"github.com/spf13/cobra"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "OpenInstrumentCore instrument control service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "configs/config.yaml", "path to the configuration file")
}

// loadConfig reads the configuration file. A missing default file falls
// back to built-in defaults so offline commands work anywhere.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if _, err := os.Stat(flagConfig); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
