package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xupit3r/cudave/pkg/ve"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "List the negotiated capabilities",
	Long: `Negotiate with the configured device and list every opcode and
element type the engine accepts. Reductions are listed for the operators
named in kernel.reduce_ops.`,
	RunE: runCaps,
}

func init() {
	rootCmd.AddCommand(capsCmd)
}

func runCaps(cmd *cobra.Command, args []string) error {
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	e, err := ve.Negotiate(opts)
	if err != nil {
		return fmt.Errorf("negotiating: %w", err)
	}
	defer e.Shutdown()

	caps := e.Capabilities()
	fmt.Println(heading(fmt.Sprintf("%d opcodes, %d types", len(caps.Opcodes), len(caps.Types))))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPCODE\tKIND")
	fmt.Fprintln(w, "------\t----")
	for _, op := range caps.Opcodes {
		kind := "elementwise"
		if op.IsReduce() {
			kind = "reduction"
		}
		fmt.Fprintf(w, "%s\t%s\n", op, kind)
	}
	w.Flush()

	fmt.Println()
	fmt.Print(label("Types:"))
	for _, t := range caps.Types {
		fmt.Printf(" %s", t)
	}
	fmt.Println()
	return nil
}
