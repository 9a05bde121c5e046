package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/EdgeStreamer/internal/api"
	"github.com/bryanchriswhite/EdgeStreamer/internal/capture"
	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/control"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/output"
	"github.com/bryanchriswhite/EdgeStreamer/internal/overlay"
	"github.com/bryanchriswhite/EdgeStreamer/internal/pipeline"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
	"github.com/bryanchriswhite/EdgeStreamer/internal/render"
	"github.com/bryanchriswhite/EdgeStreamer/internal/stats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the camera pipeline and the EdgeStreamer server",
	Long: `Start capturing from the configured camera, process frames in the
configured mode and show them in the preview window.

The HTTP server provides a REST API, an MJPEG stream at /stream and a web
viewer at /. MQTT control is enabled through the mqtt section of the config.`,
	Example: `  # Start with the defaults (GStreamer camera, edge detection, port 8081)
  edgestreamer serve

  # Run without a camera or a display
  edgestreamer serve --camera synthetic --headless

  # Start in grayscale on a custom port
  edgestreamer serve --mode grayscale --port 9090

  # Start with debug logging
  edgestreamer serve --log-level debug`,
	RunE: runServe,
}

var headlessFlag bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&headlessFlag, "headless", false, "render without opening a window")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("camera", cfg.Camera.Provider).
		Str("backend", cfg.Processing.Backend).
		Str("mode", cfg.Mode().String()).
		Msg("Starting EdgeStreamer")

	provider, err := capture.NewProvider(cfg.Camera.Provider, capture.ProviderOptions{
		Device: cfg.Camera.Device,
		FPS:    cfg.Camera.FPS,
	})
	if err != nil {
		return fmt.Errorf("failed to create camera provider: %w", err)
	}

	processor, err := processing.New(cfg.Processing.Backend)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	aggregator := stats.New()
	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		Processor:    processor,
		Stats:        aggregator,
		Mode:         cfg.Mode(),
		Params:       cfg.Params(),
		StallWarning: time.Duration(cfg.Processing.StallWarningMs) * time.Millisecond,
	})
	ctrl := pipeline.NewController(capture.NewSource(provider), dispatcher, aggregator, cfg.Preference())
	defer ctrl.Close()

	ctrl.OnCameraError(func(err error) {
		var camErr *capture.CameraError
		if errors.As(err, &camErr) {
			log.Error().Err(err).Str("kind", camErr.Kind.String()).Msg("Camera session ended")
			return
		}
		log.Error().Err(err).Msg("Camera session ended")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Preview window
	renderDone := make(chan error, 1)
	if cfg.Display.Enabled {
		renderer := render.New(render.NewSoftwareBackend())
		ctrl.AddSink(renderer)
		surface := openSurface(cfg.Display)
		go func() {
			defer surface.Close()
			renderDone <- renderer.Run(ctx, surface, cfg.Display.FPS)
		}()
	} else {
		close(renderDone)
	}

	// MJPEG stream with the stats badge drawn over each frame
	mjpeg := output.NewMJPEGOutput(output.Config{
		Width:   cfg.Server.MaxWidth,
		Height:  cfg.Server.MaxHeight,
		FPS:     cfg.Server.MJPEGFPS,
		Quality: cfg.Server.JPEGQuality,
	})
	if err := mjpeg.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG output: %w", err)
	}
	defer mjpeg.Stop()

	ov := overlay.NewManager()
	ov.AddWidget(overlay.NewStatsWidget(ctrl.Stats, func() string { return ctrl.Mode().String() }))
	go output.NewPump(ctrl, ov, cfg.Server.MJPEGFPS, mjpeg).Run(ctx)

	// HTTP API
	server := api.NewServer(ctrl, configMgr, mjpeg)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// MQTT control plane
	if cfg.MQTT.Enabled {
		client := control.NewClient(cfg.MQTT, ctrl)
		if err := client.Connect(); err != nil {
			log.Warn().Err(err).Msg("MQTT unavailable, continuing without remote control")
		} else {
			go client.Run(ctx)
			defer client.Disconnect()
		}
	}

	watchConfig(configMgr, ctrl)

	if err := ctrl.Start(); err != nil {
		// The API and MQTT can retry once the camera is available.
		log.Warn().Err(err).Msg("Camera did not start")
	}

	log.Info().
		Str("web_ui", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)).
		Str("stream", fmt.Sprintf("http://localhost:%d/stream", cfg.Server.Port)).
		Msg("EdgeStreamer is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err, ok := <-renderDone:
		if ok && err != nil {
			var initErr *render.RenderInitError
			if errors.As(err, &initErr) {
				log.Error().Err(err).Str("stage", initErr.Stage).Msg("Renderer failed to initialize")
			}
			cancel()
			return fmt.Errorf("renderer stopped: %w", err)
		}
		<-sigChan
	}

	log.Info().Msg("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	return nil
}

// openSurface opens the configured window, falling back to an off-screen
// surface when no X server is reachable.
func openSurface(cfg config.DisplayConfig) render.Surface {
	log := logger.WithComponent("display")
	if headlessFlag || cfg.Backend == "headless" {
		return render.NewHeadlessSurface(cfg.Width, cfg.Height)
	}
	surface, err := render.NewX11Surface("EdgeStreamer", cfg.Width, cfg.Height)
	if err != nil {
		log.Warn().Err(err).Msg("No X display, rendering headless")
		return render.NewHeadlessSurface(cfg.Width, cfg.Height)
	}
	return surface
}

// watchConfig hot-reloads mode and thresholds when they change in the file.
func watchConfig(configMgr *config.Manager, ctrl *pipeline.Controller) {
	log := logger.WithComponent("config")

	v := viper.New()
	v.SetConfigFile(configMgr.GetConfigPath())
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("Config watch disabled")
		return
	}
	r := newReloader(configMgr, ctrl)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if _, err := r.reload(); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid config change")
		}
	})
	v.WatchConfig()
}
