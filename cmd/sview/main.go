package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TcMits/sview"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose    bool
	configPath string

	listen string
	video  string
	output string

	logger *zap.Logger
	config sview.Config
)

var rootCmd = &cobra.Command{
	Use:   "sview",
	Short: "Stream VP8 video to a single WebRTC peer over websocket signaling",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		config = sview.DefaultConfig()
		if configPath != "" {
			if config, err = sview.LoadConfig(configPath); err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Offer the video to every viewer that connects",
	RunE:  serve,
}

var viewCmd = &cobra.Command{
	Use:   "view [ws-url]",
	Short: "Answer a broadcaster and record its video to an IVF file",
	Args:  cobra.ExactArgs(1),
	RunE:  view,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	serveCmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&video, "video", "", "VP8 IVF file to loop (overrides config)")

	viewCmd.Flags().StringVarP(&output, "out", "o", "out.ivf", "IVF file to record into")

	rootCmd.AddCommand(serveCmd, viewCmd)
}

func peerOptions() ([]sview.PeerOption, error) {
	api, err := sview.NewAPI(config.PLIInterval)
	if err != nil {
		return nil, err
	}
	return []sview.PeerOption{
		sview.WithAPI(api),
		sview.WithConfig(config.WebRTCConfiguration()),
	}, nil
}

func serve(cmd *cobra.Command, args []string) error {
	if listen != "" {
		config.Listen = listen
	}
	if video != "" {
		config.Video = video
	}
	if err := config.Validate(); err != nil {
		return err
	}

	newSource := func() (sview.Source, error) {
		if config.Video == "" {
			return sview.NewPatternSource(make([]byte, 1200), config.FrameInterval()), nil
		}
		return sview.OpenIVFSource(config.Video)
	}

	popts, err := peerOptions()
	if err != nil {
		return err
	}
	b := sview.NewBroadcaster(newSource,
		sview.WithPath(config.Path),
		sview.WithConnOptions(sview.WithKeepalive(config.PingInterval, config.PongWait)),
		sview.WithPeerOptions(popts...),
		sview.WithBroadcasterLogger(logger),
	)

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", zap.String("listen", config.Listen), zap.String("path", config.Path), zap.String("video", config.Video))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func view(cmd *cobra.Command, args []string) error {
	sink, err := sview.CreateIVFSink(output)
	if err != nil {
		return err
	}
	defer sink.Close()

	popts, err := peerOptions()
	if err != nil {
		return err
	}
	v := sview.NewViewer(args[0], sink,
		sview.WithViewerPeerOptions(popts...),
		sview.WithViewerLogger(logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("viewing", zap.String("url", args[0]), zap.String("out", output))
	return v.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
