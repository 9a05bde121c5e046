package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/EdgeStreamer/internal/capture"
	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
)

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List processing modes and backends",
	Long:  `List the processing modes, the available processing backends and the camera providers compiled into this binary.`,
	RunE:  runModes,
}

func init() {
	rootCmd.AddCommand(modesCmd)
}

func runModes(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	fmt.Println("Processing modes (cycle order):")
	for _, m := range processing.Modes() {
		marker := " "
		if m == cfg.Mode() {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, m)
	}

	fmt.Println("\nProcessing backends:")
	for _, name := range processing.Backends() {
		marker := " "
		if name == cfg.Processing.Backend {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, name)
	}

	fmt.Println("\nCamera providers:")
	for _, name := range capture.Providers() {
		marker := " "
		if name == cfg.Camera.Provider {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, name)
	}
	return nil
}
