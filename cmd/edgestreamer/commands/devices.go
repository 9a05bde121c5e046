package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/EdgeStreamer/internal/capture"
	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras",
	Long: `List the cameras each provider can open, with the resolutions they
advertise. The desktop camera portal is queried as well when available.`,
	Example: `  # List cameras from every provider
  edgestreamer devices

  # Only ask the V4L2 provider
  edgestreamer devices --camera v4l2`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	names := capture.Providers()
	if flag := cmd.Flags().Lookup("camera"); flag != nil && flag.Changed {
		names = []string{cfg.Camera.Provider}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tID\tNAME\tRESOLUTIONS")
	for _, name := range names {
		provider, err := capture.NewProvider(name, capture.ProviderOptions{FPS: cfg.Camera.FPS})
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\t\n", name, err)
			continue
		}
		devices, err := provider.Enumerate(ctx)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\t\n", name, err)
			continue
		}
		if len(devices) == 0 {
			fmt.Fprintf(w, "%s\t-\tno cameras\t\n", name)
		}
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, d.ID, d.Name, joinResolutions(d.Resolutions))
		}
	}
	w.Flush()

	if present, err := capture.PortalCameraPresent(ctx); err == nil {
		fmt.Printf("\nCamera portal: camera present = %t\n", present)
	}
	return nil
}

func joinResolutions(rs []frame.Resolution) string {
	if len(rs) == 0 {
		return "-"
	}
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += ", "
		}
		out += r.String()
	}
	return out
}
