package commands

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xupit3r/cudave/internal/gpu"
	"github.com/xupit3r/cudave/internal/system"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show device information",
	Long: `Display the simulated device selected by the configuration.

The device is carved out of host memory and executes kernels on a pool of
goroutines, so host RAM and CPU features are shown alongside it.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}

	fmt.Println(heading("cudave device information"))
	fmt.Println()

	dev, err := gpu.Open(opts.Ordinal, opts.Device)
	if err != nil {
		fmt.Printf("%s %v\n", render(errorStyle, "Device error:"), err)
		return err
	}
	defer dev.Close()

	props := dev.Properties()
	fmt.Printf("%s %s\n", label("Device:"), render(okStyle, props.Name))
	fmt.Printf("   Ordinal: %d of %d\n", props.Ordinal, opts.Device.Count)
	fmt.Printf("   Memory: %s\n", system.FormatBytes(props.MemoryBytes))
	fmt.Printf("   Max threads per block: %d\n", props.MaxThreadsPerBlock)
	fmt.Printf("   Workers: %d\n", props.Workers)
	if len(props.Features) > 0 {
		fmt.Printf("   Host features: %s\n", strings.Join(props.Features, " "))
	}
	fmt.Println()

	fmt.Println(label("Launch limits:"))
	fmt.Printf("   Block size: %d\n", opts.Kernel.BlockSize)
	fmt.Printf("   Max grid: %d\n", opts.Kernel.MaxGrid)
	fmt.Printf("   Pool ceiling: %s\n", system.FormatBytes(opts.PoolCeiling))
	fmt.Println()

	fmt.Println(label("System information:"))
	fmt.Printf("   Platform: %s\n", system.Platform())
	fmt.Printf("   CPUs: %d\n", runtime.NumCPU())
	if info, err := system.GetRAMInfo(); err == nil {
		fmt.Printf("   RAM: %s total, %s available\n",
			system.FormatBytes(info.TotalBytes),
			system.FormatBytes(info.AvailableBytes))
	}
	return nil
}
