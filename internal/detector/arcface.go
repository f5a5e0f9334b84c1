package detector

import (
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/inference"
)

// ArcFaceEncoder extracts face embeddings using ArcFace (insightface w600k_r50)
type ArcFaceEncoder struct {
	session *inference.Session
}

// NewArcFaceEncoder creates a new ArcFace encoder
func NewArcFaceEncoder(modelPath string, logger *slog.Logger) (*ArcFaceEncoder, error) {
	// 1 input, 1 output; the output node name differs between exports
	session, err := inference.NewSessionFromModel(modelPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ArcFace session: %w", err)
	}

	return &ArcFaceEncoder{
		session: session,
	}, nil
}

// Extract computes the L2-normalized 512-dim embedding from an aligned 112x112 face
func (e *ArcFaceEncoder) Extract(alignedFace gocv.Mat) (*Embedding, error) {
	if alignedFace.Rows() != arcfaceSize || alignedFace.Cols() != arcfaceSize {
		return nil, fmt.Errorf("expected %dx%d input, got %dx%d", arcfaceSize, arcfaceSize, alignedFace.Cols(), alignedFace.Rows())
	}

	// insightface: blobFromImage(img, 1/127.5, (112,112), 127.5, swapRB=True)
	inputTensor, err := inference.BlobTensor(alignedFace, 1.0/127.5, 127.5, arcfaceSize, arcfaceSize)
	if err != nil {
		return nil, err
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, EmbeddingSize})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	var raw Embedding
	copy(raw[:], outputTensor.GetData())
	return raw.Normalized(), nil
}

// Close releases encoder resources
func (e *ArcFaceEncoder) Close() error {
	return e.session.Destroy()
}
