package detector

import "math"

// EmbeddingSize is the dimensionality of ArcFace identity vectors.
const EmbeddingSize = 512

// Point represents a 2D point
type Point struct {
	X, Y float32
}

// BoundingBox represents a face bounding box
type BoundingBox struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

// Width returns box width
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns box height
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns box area
func (b BoundingBox) Area() float32 {
	return b.Width() * b.Height()
}

// Landmarks represents 5 facial landmark points
type Landmarks struct {
	LeftEye    Point // index 0
	RightEye   Point // index 1
	Nose       Point // index 2
	LeftMouth  Point // index 3
	RightMouth Point // index 4
}

// Points returns the landmarks in model order.
func (l Landmarks) Points() [5]Point {
	return [5]Point{l.LeftEye, l.RightEye, l.Nose, l.LeftMouth, l.RightMouth}
}

// Embedding represents a 512-dimensional face embedding
type Embedding [EmbeddingSize]float32

// Normalized returns a unit-length copy of the embedding.
func (e *Embedding) Normalized() *Embedding {
	var norm float64
	for _, v := range e {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		norm = 1
	}

	var out Embedding
	for i, v := range e {
		out[i] = v / float32(norm)
	}
	return &out
}

// Face is one detected face: where it is, its keypoints and who it is.
// Faces are produced per Detect call and never shared between images.
type Face struct {
	BoundingBox BoundingBox
	Landmarks   Landmarks
	Score       float32
	Embedding   *Embedding // L2-normalized; nil until the analyzer fills it
}
