package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dudu/faceswap/internal/config"
)

// Version is the application version.
const Version = "0.1.0"

var (
	cfg    config.Config
	envErr error
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "faceswapd",
	Short:   "HTTP service that swaps faces between two uploaded images",
	Version: Version,
	// Running the binary without a subcommand serves.
	RunE:         runServe,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envErr != nil {
			return fmt.Errorf("invalid environment: %w", envErr)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger = cfg.NewLogger()
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// Environment overrides defaults; flags registered below override both.
	cfg, envErr = config.Load()
	if envErr != nil {
		cfg = config.Default()
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flags.StringVar(&cfg.ModelDir, "model-dir", cfg.ModelDir, "directory holding model files")
	flags.StringVar(&cfg.DetectorModel, "detector-model", cfg.DetectorModel, "SCRFD detector model file")
	flags.StringVar(&cfg.RecognizerModel, "recognizer-model", cfg.RecognizerModel, "ArcFace recognizer model file")
	flags.StringVar(&cfg.AnalysisRemote, "analysis-remote", cfg.AnalysisRemote, "zip archive the detector and recognizer are fetched from")
	flags.StringVar(&cfg.SwapModel, "swap-model", cfg.SwapModel, "inswapper model file")
	flags.StringVar(&cfg.SwapRemote, "swap-remote", cfg.SwapRemote, "URL or gdrive:<id> the swap model is fetched from")
	flags.StringVar(&cfg.EnhancerModel, "enhancer-model", cfg.EnhancerModel, "optional GFPGAN model file; empty disables enhancement")
	flags.StringVar(&cfg.EmapPath, "emap", cfg.EmapPath, "raw float32 emap file overriding the matrix stored in the swap model")
	flags.StringVar(&cfg.ORTLibrary, "ort-library", cfg.ORTLibrary, "path to the ONNX Runtime shared library")

	flags.IntVar(&cfg.DetectionSize, "det-size", cfg.DetectionSize, "detector input size")
	flags.Float32Var(&cfg.ConfThreshold, "conf-threshold", cfg.ConfThreshold, "face detection confidence threshold")
	flags.Float32Var(&cfg.NMSThreshold, "nms-threshold", cfg.NMSThreshold, "face detection NMS IoU threshold")
	flags.IntVar(&cfg.ExecutionContextID, "ctx-id", cfg.ExecutionContextID, "execution context id")
	flags.IntVar(&cfg.BlurSize, "blur-size", cfg.BlurSize, "minimum paste-back feather kernel")
	flags.BoolVar(&cfg.ColorTransfer, "color-transfer", cfg.ColorTransfer, "match swapped face colours to the target")
	flags.Float32Var(&cfg.Sharpness, "sharpness", cfg.Sharpness, "unsharp-mask amount applied to pasted faces, 0 disables")

	rootCmd.AddCommand(serveCmd, fetchCmd, inspectCmd)
}
