package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/deflax/muxengine/internal/ffmpeg"
	"github.com/deflax/muxengine/internal/fileserver"
	"github.com/deflax/muxengine/internal/observability"
	"github.com/deflax/muxengine/internal/playhead"
	"github.com/deflax/muxengine/internal/segmentstore"
	"github.com/deflax/muxengine/internal/streammanager"
	"github.com/deflax/muxengine/internal/transcoder"
	"github.com/deflax/muxengine/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mux engine",
	Long: `Run the mux engine.

The server:
- Watches the upstream API's playhead event stream for source changes
- Runs an ffmpeg transcoder against the currently announced source
- Writes segments and playlists to the configured HLS output directory
- Serves playlists and segments over HTTP
- Automatically recovers from transcoder crashes and performs clean
  segment-boundary transitions when the source changes`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := observability.LoggerFromContext(cmd.Context())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := segmentstore.New(cfg.HLS.OutputDir, cfg.HLS, cfg.Mux, logger.With("component", "segmentstore"))
	prober := ffmpeg.NewProber(cfg.FFmpeg.ProbePath)

	stabilityDelay := time.Duration(cfg.Mux.SegmentStabilityDelay * float64(time.Second))
	newRunner := func() streammanager.Runner {
		return transcoder.New(
			cfg.FFmpeg.BinaryPath,
			cfg.HLS,
			cfg.Mux,
			cfg.Icecast,
			stabilityDelay,
			logger.With("component", "transcoder"),
			func(variant int, filename string, duration float64) {
				store.AddSegment(variant, filename, duration)
			},
		)
	}

	manager := streammanager.New(store, newRunner, prober, cfg.Mux, cfg.HLS, logger.With("component", "streammanager"))

	breakerCfg := httpclient.DefaultCircuitBreakerConfig().GetProfileFor("playhead-health")
	monitor := playhead.New(cfg.API.URL, cfg.Restreamer, breakerCfg, func(url, name string) {
		logger.Info("playhead changed, switching stream", "name", name)
		if !manager.Switch(ctx, url) {
			logger.Error("stream switch failed", "name", name)
		}
	}, logger.With("component", "playhead"))

	httpServer := fileserver.New(cfg.Server, cfg.HLS, cfg.Mux, store, manager, logger.With("component", "fileserver"))

	cleanupSchedule := cron.New()
	cleanupSpec := fmt.Sprintf("@every %ds", cfg.Mux.CleanupIntervalSeconds)
	_, err := cleanupSchedule.AddFunc(cleanupSpec, func() {
		removed := store.CleanupOldSegments()
		if removed > 0 {
			logger.Debug("cleaned up aged segments", "removed", removed)
		}
	})
	if err != nil {
		logger.Error("failed to schedule cleanup job", "error", err)
	}
	cleanupSchedule.Start()
	defer cleanupSchedule.Stop()

	go manager.RunLoop(ctx)
	go monitor.Run(ctx)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("file server exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	monitor.Stop()
	manager.Stop()
	manager.Close()
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down file server", "error", err)
	}

	logger.Info("mux engine stopped")
	return nil
}
