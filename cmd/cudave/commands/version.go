package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/xupit3r/cudave/internal/system"
)

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cudave v%s\n", version)
		fmt.Println("A vector engine for array bytecode")
		fmt.Println("")
		fmt.Printf("Platform: %s\n", system.Platform())
		fmt.Printf("Go version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
