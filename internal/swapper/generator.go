package swapper

import (
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/detector"
	"github.com/dudu/faceswap/internal/inference"
)

// InswapperSize is the aligned crop size inswapper_128 works on.
const InswapperSize = 128

// Inswapper performs face swapping using the inswapper model
type Inswapper struct {
	session *inference.Session
}

// NewInswapper creates a new face swapper
func NewInswapper(modelPath string, logger *slog.Logger) (*Inswapper, error) {
	session, err := inference.NewSession(modelPath, []string{"target", "source"}, []string{"output"}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Inswapper session: %w", err)
	}

	return &Inswapper{
		session: session,
	}, nil
}

// Swap generates a swapped face from an aligned 128x128 target crop and a
// source latent. Returns the swapped face as a 128x128 BGR image.
func (s *Inswapper) Swap(targetFace gocv.Mat, latent *detector.Embedding) (gocv.Mat, error) {
	if targetFace.Rows() != InswapperSize || targetFace.Cols() != InswapperSize {
		return gocv.Mat{}, fmt.Errorf("expected %dx%d target, got %dx%d",
			InswapperSize, InswapperSize, targetFace.Cols(), targetFace.Rows())
	}

	// RGB in [0, 1]
	targetTensor, err := inference.BlobTensor(targetFace, 1.0/255.0, 0, InswapperSize, InswapperSize)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer targetTensor.Destroy()

	sourceTensor, err := ort.NewTensor(
		ort.NewShape(1, detector.EmbeddingSize),
		latent[:],
	)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to create source tensor: %w", err)
	}
	defer sourceTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 3, InswapperSize, InswapperSize})
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = s.session.Run(
		[]ort.Value{targetTensor, sourceTensor},
		[]ort.Value{outputTensor},
	)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("inference failed: %w", err)
	}

	result, err := inference.PlanarRGBToBGR(outputTensor.GetData(), InswapperSize)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to decode output: %w", err)
	}
	return result, nil
}

// Close releases swapper resources
func (s *Inswapper) Close() error {
	return s.session.Destroy()
}
