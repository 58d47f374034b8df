// Package main is the entry point for the IPTV ingestion engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/swinder0161/iptv-engine/internal/config"
	"github.com/swinder0161/iptv-engine/internal/server"
)

var (
	cfg = config.DefaultConfig()
	log = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iptv-engine",
		Short: "IPTV playlist and EPG ingestion engine",
		Long:  `Fetches an M3U channel playlist and its XMLTV guide, reconciles them into a channel/program model, and serves lineup, guide, and tune-time URL queries.`,
		RunE:  run,
	}

	// Required flags
	rootCmd.Flags().StringVar(&cfg.PlaylistURL, "playlist", "", "M3U playlist URL (required)")

	if err := rootCmd.MarkFlagRequired("playlist"); err != nil {
		log.WithError(err).Fatal("Failed to mark playlist flag as required")
	}

	// Server flags
	rootCmd.Flags().StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Bind address")
	rootCmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Port number")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	// Data flags
	rootCmd.Flags().StringVar(&cfg.CachePath, "cache", cfg.CachePath, "Path to the persisted URL cache database")
	rootCmd.Flags().DurationVar(&cfg.RefreshInterval, "refresh", cfg.RefreshInterval, "Background refresh interval")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if err := cfg.Validate(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"playlist": cfg.PlaylistURL,
		"cache":    cfg.CachePath,
	}).Info("Starting IPTV engine")

	srv := server.NewServer(log, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Received shutdown signal")

	return srv.Stop()
}
