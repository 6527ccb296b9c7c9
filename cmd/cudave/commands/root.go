package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xupit3r/cudave/internal/config"
	"github.com/xupit3r/cudave/internal/logging"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cudave",
	Short: "A vector engine for array bytecode on a simulated GPU",
	Long: `cudave executes array bytecode by fusing elementwise instructions
into kernels and running them on a simulated GPU device.

Device memory, launch limits and the reducible operators are read from
$HOME/.cudave/config.yaml and CUDAVE_* environment variables.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cudave/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// initConfig loads the configuration and sets up logging
func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		loaded.Logging.Level = "debug"
	}
	if err := logging.Init(loaded.Logging.Level, loaded.Logging.File, loaded.Logging.Console); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		return err
	}
	cfg = loaded
	return nil
}
