package enhancer

import (
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/inference"
)

// GFPGANSize is the crop size GFPGAN restores at.
const GFPGANSize = 512

// GFPGAN performs face enhancement/restoration
type GFPGAN struct {
	session *inference.Session
}

// NewGFPGAN creates a new GFPGAN face enhancer
func NewGFPGAN(modelPath string, logger *slog.Logger) (*GFPGAN, error) {
	session, err := inference.NewSessionFromModel(modelPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GFPGAN session: %w", err)
	}

	return &GFPGAN{
		session: session,
	}, nil
}

// Enhance restores an aligned face crop of any square size.
// Returns the enhanced face at 512x512.
func (g *GFPGAN) Enhance(face gocv.Mat) (gocv.Mat, error) {
	if face.Empty() {
		return gocv.Mat{}, fmt.Errorf("empty face crop")
	}

	// RGB, [-1, 1]
	inputTensor, err := inference.BlobTensor(face, 1.0/127.5, 127.5, GFPGANSize, GFPGANSize)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 3, GFPGANSize, GFPGANSize})
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := g.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return gocv.Mat{}, fmt.Errorf("GFPGAN inference failed: %w", err)
	}

	result, err := decodeOutput(outputTensor.GetData(), GFPGANSize)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to decode GFPGAN output: %w", err)
	}
	return result, nil
}

// decodeOutput maps a planar RGB output in [-1, 1] to a BGR image. output is
// rescaled in place.
func decodeOutput(output []float32, size int) (gocv.Mat, error) {
	for i, v := range output {
		output[i] = (clamp(v, -1, 1) + 1) / 2
	}
	return inference.PlanarRGBToBGR(output, size)
}

// Close releases resources
func (g *GFPGAN) Close() error {
	return g.session.Destroy()
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
