package commands

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/internal/listing"
	"github.com/xupit3r/cudave/internal/system"
	"github.com/xupit3r/cudave/pkg/ve"
)

var runCmd = &cobra.Command{
	Use:   "run [workload]",
	Short: "Run a built-in workload on the engine",
	Long: `Run one of the built-in bytecode workloads and check the device result
against the same computation on the host.

Workloads:
` + describeWorkloads(),
	Args:      cobra.ExactArgs(1),
	ValidArgs: workloadNames(),
	RunE:      runWorkload,
}

var (
	runSize    int
	runKernels bool
	runBrowse  bool
	runStats   bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runSize, "size", "n", 1<<20, "number of elements")
	runCmd.Flags().BoolVar(&runKernels, "kernels", false, "print the listing of every generated kernel")
	runCmd.Flags().BoolVar(&runBrowse, "browse", false, "browse the generated kernels after the run")
	runCmd.Flags().BoolVar(&runStats, "stats", false, "print engine counters")
}

func describeWorkloads() string {
	var sb strings.Builder
	for _, name := range workloadNames() {
		fmt.Fprintf(&sb, "  %-10s %s\n", name, workloads[name].Description)
	}
	return sb.String()
}

func runWorkload(cmd *cobra.Command, args []string) error {
	w, ok := workloads[args[0]]
	if !ok {
		return fmt.Errorf("unknown workload: %s\nValid options: %s", args[0], strings.Join(workloadNames(), ", "))
	}
	if runSize <= 0 {
		return fmt.Errorf("--size must be positive")
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	lopts := listing.DefaultOptions()
	if noColor {
		lopts.Formatter = ""
	}
	collector := &listing.Collector{Options: lopts}
	if runKernels || runBrowse {
		opts.OnKernel = func(k *kernel.Kernel) {
			collector.Observe(k)
			if runKernels {
				last := collector.Entries[len(collector.Entries)-1]
				fmt.Print(listing.Frame(k.Name, last.Body))
			}
		}
	}

	e, err := ve.Negotiate(opts)
	if err != nil {
		return fmt.Errorf("negotiating: %w", err)
	}

	start := time.Now()
	res, err := w.Run(e, runSize)
	elapsed := time.Since(start)
	stats := e.Stats()
	device := e.Device().Name
	if st := e.Teardown(); st != ve.Success && err == nil {
		err = fmt.Errorf("teardown failed")
	}
	if err != nil {
		fmt.Println(render(errorStyle, "Workload failed: ") + err.Error())
		return err
	}

	status := render(okStyle, "ok")
	if res.MaxErr != 0 {
		status = render(errorStyle, fmt.Sprintf("max error %g", res.MaxErr))
	}
	fmt.Printf("%s %s: %s (%s) in %v\n", label(args[0]), status, res.Summary, device, elapsed.Round(time.Microsecond))

	if runStats {
		printStats(stats)
	}
	if runBrowse {
		p := tea.NewProgram(listing.NewBrowser(collector.Entries), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("browser: %w", err)
		}
	}
	return nil
}

func printStats(s ve.Stats) {
	fmt.Println()
	fmt.Println(label("Scheduler:"))
	fmt.Printf("   Instructions: %d (%d fused)\n", s.Scheduler.Instructions, s.Scheduler.Fused)
	fmt.Printf("   Kernels: %d, launches: %d, elided: %d\n", s.Scheduler.Kernels, s.Scheduler.Launches, s.Scheduler.Elided)
	fmt.Println(label("Device:"))
	fmt.Printf("   Launches: %d completed, %d failed\n", s.Device.Completed, s.Device.Failed)
	fmt.Printf("   Transfers: %s to device, %s to host\n",
		system.FormatBytes(s.Device.BytesToDevice), system.FormatBytes(s.Device.BytesToHost))
	fmt.Println(label("Memory pool:"))
	fmt.Printf("   Allocations: %d (%d reused, %d evicted)\n", s.Memory.Allocations, s.Memory.Reuses, s.Memory.Evictions)
	fmt.Printf("   Data: %d uploads, %d write-backs\n", s.Data.Uploads, s.Data.WriteBacks)
}
