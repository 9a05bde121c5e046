package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "edgestreamer",
		Short: "EdgeStreamer - Real-time camera edge detection",
		Long: `EdgeStreamer captures frames from a camera, runs them through an
image processing stage and shows the result in a preview window.

Features:
  • GStreamer, V4L2 and synthetic camera providers
  • Edge detection, grayscale and raw passthrough modes
  • Drop-on-busy processing that never queues stale frames
  • Letterboxed preview window with live stats
  • REST API, MJPEG stream and MQTT control`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/edgestreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8081)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("mode", "", "startup processing mode (edge_detect, grayscale, raw)")
	rootCmd.PersistentFlags().String("camera", "", "camera provider (gstreamer, v4l2, synthetic)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "log JSON instead of console output")

	// Bind flags to viper
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("processing.mode", rootCmd.PersistentFlags().Lookup("mode"))
	viper.BindPFlag("camera.provider", rootCmd.PersistentFlags().Lookup("camera"))
	viper.BindPFlag("json_logs", rootCmd.PersistentFlags().Lookup("json-logs"))
	viper.SetEnvPrefix("EDGESTREAMER")
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager and applies flag overrides in
// memory. Overrides are not saved.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.IsSet("server.port") {
		if port := viper.GetInt("server.port"); port > 0 {
			configMgr.SetPort(port)
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}
	if name := viper.GetString("processing.mode"); name != "" {
		mode, err := processing.ParseMode(name)
		if err != nil {
			return nil, err
		}
		configMgr.SetMode(mode)
	}
	if provider := viper.GetString("camera.provider"); provider != "" {
		configMgr.SetCameraProvider(provider)
	}

	logger.Init(configMgr.GetLogLevel(), !viper.GetBool("json_logs"))
	return configMgr, nil
}
