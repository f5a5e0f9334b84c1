package detector

import (
	"errors"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"
)

// AnalyzerConfig configures detection and embedding.
type AnalyzerConfig struct {
	DetectorModelPath   string
	RecognizerModelPath string
	DetectionSize       int
	ConfThreshold       float32
	NMSThreshold        float32
	ExecutionContextID  int
}

// Analyzer turns a raster into face descriptors: SCRFD boxes and keypoints
// plus an ArcFace identity embedding for every face.
type Analyzer struct {
	detector *SCRFD
	encoder  *ArcFaceEncoder
	aligner  *FaceAligner
}

// NewAnalyzer loads the detection and recognition models.
func NewAnalyzer(cfg AnalyzerConfig, logger *slog.Logger) (*Analyzer, error) {
	if logger != nil {
		logger.Info("preparing face analyzer",
			"det_size", fmt.Sprintf("%dx%d", cfg.DetectionSize, cfg.DetectionSize),
			"ctx_id", cfg.ExecutionContextID)
	}

	det, err := NewSCRFD(cfg.DetectorModelPath, cfg.DetectionSize, cfg.ConfThreshold, cfg.NMSThreshold, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	enc, err := NewArcFaceEncoder(cfg.RecognizerModelPath, logger)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	return &Analyzer{
		detector: det,
		encoder:  enc,
		aligner:  NewFaceAligner(),
	}, nil
}

// Detect returns every face in img in detector order (descending score).
// An empty result means no face was found and is not an error.
func (a *Analyzer) Detect(img gocv.Mat) ([]Face, error) {
	faces, err := a.detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	for i := range faces {
		aligned, err := a.aligner.Align(img, faces[i].Landmarks, arcfaceSize)
		if err != nil {
			return nil, fmt.Errorf("face %d: alignment failed: %w", i, err)
		}

		embedding, err := a.encoder.Extract(aligned.AlignedFace)
		aligned.Close()
		if err != nil {
			return nil, fmt.Errorf("face %d: embedding extraction failed: %w", i, err)
		}
		faces[i].Embedding = embedding
	}

	return faces, nil
}

// Close releases analyzer resources
func (a *Analyzer) Close() error {
	return errors.Join(a.detector.Close(), a.encoder.Close())
}
