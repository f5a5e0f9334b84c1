package detector

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ArcFace reference landmarks for 112x112 aligned face
var arcfaceDst = [5]Point{
	{X: 38.2946, Y: 51.6963}, // left eye
	{X: 73.5318, Y: 51.5014}, // right eye
	{X: 56.0252, Y: 71.7366}, // nose
	{X: 41.5493, Y: 92.3655}, // left mouth
	{X: 70.7299, Y: 92.2041}, // right mouth
}

const arcfaceSize = 112

// Affine is a 2x3 affine transform [a b tx; c d ty].
type Affine [2][3]float64

// Apply maps a point through the transform.
func (m Affine) Apply(p Point) Point {
	x, y := float64(p.X), float64(p.Y)
	return Point{
		X: float32(m[0][0]*x + m[0][1]*y + m[0][2]),
		Y: float32(m[1][0]*x + m[1][1]*y + m[1][2]),
	}
}

// Scale multiplies the output coordinates by f (e.g. 128 -> 512 crops).
func (m Affine) Scale(f float64) Affine {
	var out Affine
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = m[r][c] * f
		}
	}
	return out
}

// Determinant of the linear part; its square root is the scale of a
// similarity transform.
func (m Affine) Determinant() float64 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

// Mat returns the transform as a CV_64F 2x3 matrix for gocv.WarpAffine.
// The caller owns the returned Mat.
func (m Affine) Mat() gocv.Mat {
	mat := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			mat.SetDoubleAt(r, c, m[r][c])
		}
	}
	return mat
}

// FaceAligner crops faces into the canonical ArcFace pose at any square size.
type FaceAligner struct {
	template [5]Point
}

// NewFaceAligner creates a new face aligner
func NewFaceAligner() *FaceAligner {
	return &FaceAligner{template: arcfaceDst}
}

// AlignResult contains alignment results
type AlignResult struct {
	AlignedFace gocv.Mat // The aligned face image
	Transform   Affine   // image -> aligned crop
}

// Close releases the aligned crop.
func (r *AlignResult) Close() error {
	return r.AlignedFace.Close()
}

// Align warps the face described by landmarks to a size x size crop.
// 112 is the ArcFace input; 128 is the inswapper input.
func (a *FaceAligner) Align(img gocv.Mat, landmarks Landmarks, size int) (*AlignResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid alignment size %d", size)
	}

	ratio := float32(size) / arcfaceSize
	var dst [5]Point
	for i, pt := range a.template {
		dst[i] = Point{X: pt.X * ratio, Y: pt.Y * ratio}
	}

	transform := EstimateSimilarity(landmarks.Points(), dst)

	m := transform.Mat()
	defer m.Close()

	aligned := gocv.NewMat()
	gocv.WarpAffine(img, &aligned, m, image.Pt(size, size))
	if aligned.Empty() {
		aligned.Close()
		return nil, fmt.Errorf("alignment produced an empty crop")
	}

	return &AlignResult{
		AlignedFace: aligned,
		Transform:   transform,
	}, nil
}

// EstimateSimilarity computes the least-squares 2D similarity transform
// (rotation, uniform scale, translation) mapping src onto dst.
func EstimateSimilarity(src, dst [5]Point) Affine {
	n := float64(len(src))

	var srcCx, srcCy, dstCx, dstCy float64
	for i := range src {
		srcCx += float64(src[i].X)
		srcCy += float64(src[i].Y)
		dstCx += float64(dst[i].X)
		dstCy += float64(dst[i].Y)
	}
	srcCx /= n
	srcCy /= n
	dstCx /= n
	dstCy /= n

	// With centred points p (src) and q (dst), the optimal similarity is
	// a = Σ(p·q)/Σ|p|², b = Σ(p×q)/Σ|p|², M = [a -b; b a].
	var srcVar, dotSum, crossSum float64
	for i := range src {
		sx := float64(src[i].X) - srcCx
		sy := float64(src[i].Y) - srcCy
		dx := float64(dst[i].X) - dstCx
		dy := float64(dst[i].Y) - dstCy

		srcVar += sx*sx + sy*sy
		dotSum += sx*dx + sy*dy
		crossSum += sx*dy - sy*dx
	}
	if srcVar < 1e-10 {
		srcVar = 1
	}

	a := dotSum / srcVar
	b := crossSum / srcVar

	return Affine{
		{a, -b, dstCx - (a*srcCx - b*srcCy)},
		{b, a, dstCy - (b*srcCx + a*srcCy)},
	}
}
