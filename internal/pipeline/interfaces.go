package pipeline

import (
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/detector"
)

// FaceAnalyzer finds faces and their identity embeddings in a raster.
// An empty result is not an error.
type FaceAnalyzer interface {
	Detect(img gocv.Mat) ([]detector.Face, error)
}

// FaceSwapper composites source's identity into target's face region of img
// and returns a new raster. img must not be modified.
type FaceSwapper interface {
	Swap(img gocv.Mat, target, source detector.Face) (gocv.Mat, error)
}
