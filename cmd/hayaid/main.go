package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hayai-broadcast/hayai/internal/config"
	"github.com/hayai-broadcast/hayai/internal/logbuffer"
	"github.com/hayai-broadcast/hayai/internal/logging"
	"github.com/hayai-broadcast/hayai/internal/server"
)

var version = "0.1.0-dev"

var (
	logger       zerolog.Logger
	cfg          *config.Config
	playlistPath string
)

var rootCmd = &cobra.Command{
	Use:   "hayaid",
	Short: "Hayai - continuous broadcast playout engine",
	Long:  "Hayai plays an operator-curated playlist of local files and live HLS sources as one gapless RTMP broadcast.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playout engine",
	Long:  "Start the playout scheduler, RTMP output sink and the HTTP control API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	serveCmd.Flags().StringVar(&playlistPath, "playlist", "", "YAML playlist file to seed on startup")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*logbuffer.Buffer, error) {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logBuf := logbuffer.New(512)
	logger = logging.SetupWithWriter(cfg.Environment, logBuf)
	return logBuf, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logBuf, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info().Str("version", version).Msg("hayai starting")

	srv, err := server.New(cfg, logBuf, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	if playlistPath != "" {
		if err := srv.SeedPlaylist(playlistPath); err != nil {
			return fmt.Errorf("seed playlist: %w", err)
		}
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("shutting down gracefully...")
	case err := <-srv.SchedulerErr():
		logger.Error().Err(err).Msg("playout stopped, shutting down")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("hayai stopped")
	return nil
}
