package models

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dudu/faceswap/internal/config"
	"github.com/dudu/faceswap/internal/detector"
	"github.com/dudu/faceswap/internal/enhancer"
	"github.com/dudu/faceswap/internal/inference"
	"github.com/dudu/faceswap/internal/swapper"
)

// ONNXBuilder builds the production handles on ONNX Runtime.
type ONNXBuilder struct {
	cfg    config.Config
	logger *slog.Logger
}

// NewONNXBuilder creates a builder for the models named in cfg.
func NewONNXBuilder(cfg config.Config, logger *slog.Logger) *ONNXBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ONNXBuilder{cfg: cfg, logger: logger}
}

// BuildDetector loads SCRFD and ArcFace.
func (b *ONNXBuilder) BuildDetector(ctx context.Context) (Detector, error) {
	if err := inference.Initialize(b.cfg.ORTLibrary); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	analyzer, err := detector.NewAnalyzer(detector.AnalyzerConfig{
		DetectorModelPath:   b.cfg.ModelPath(b.cfg.DetectorModel),
		RecognizerModelPath: b.cfg.ModelPath(b.cfg.RecognizerModel),
		DetectionSize:       b.cfg.DetectionSize,
		ConfThreshold:       b.cfg.ConfThreshold,
		NMSThreshold:        b.cfg.NMSThreshold,
		ExecutionContextID:  b.cfg.ExecutionContextID,
	}, b.logger)
	if err != nil {
		return nil, err
	}
	return analyzer, nil
}

// BuildSynthesizer loads inswapper with its emap and, when configured, GFPGAN.
func (b *ONNXBuilder) BuildSynthesizer(ctx context.Context) (Synthesizer, error) {
	if err := inference.Initialize(b.cfg.ORTLibrary); err != nil {
		return nil, err
	}

	emap, err := b.loadEmap()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	generator, err := swapper.NewInswapper(b.cfg.ModelPath(b.cfg.SwapModel), b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create inswapper: %w", err)
	}

	// Leave enh as a nil interface when disabled; a typed nil would not be.
	var enh swapper.Enhancer
	if b.cfg.EnhancerModel != "" {
		gfpgan, err := enhancer.NewGFPGAN(b.cfg.ModelPath(b.cfg.EnhancerModel), b.logger)
		if err != nil {
			generator.Close()
			return nil, fmt.Errorf("failed to create GFPGAN enhancer: %w", err)
		}
		enh = gfpgan
	}

	s, err := swapper.NewSwapper(generator, emap, enh, b.blendConfig())
	if err != nil {
		generator.Close()
		if enh != nil {
			enh.Close()
		}
		return nil, err
	}
	return s, nil
}

func (b *ONNXBuilder) blendConfig() swapper.BlendConfig {
	return swapper.BlendConfig{
		BlurSize:      b.cfg.BlurSize,
		ColorTransfer: b.cfg.ColorTransfer,
		Sharpness:     b.cfg.Sharpness,
	}
}

// loadEmap prefers the configured override file and otherwise reads the
// matrix embedded in the swap model.
func (b *ONNXBuilder) loadEmap() (*swapper.Emap, error) {
	if b.cfg.EmapPath != "" {
		path := b.cfg.ModelPath(b.cfg.EmapPath)
		emap, err := swapper.LoadEmap(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load emap override: %w", err)
		}
		b.logger.Info("emap loaded", "source", path)
		return emap, nil
	}

	path := b.cfg.ModelPath(b.cfg.SwapModel)
	emap, err := swapper.LoadEmapFromModel(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load emap from swap model: %w", err)
	}
	b.logger.Info("emap loaded", "source", path)
	return emap, nil
}

// Close tears down the ONNX Runtime environment.
func (b *ONNXBuilder) Close() error {
	return inference.Shutdown()
}
