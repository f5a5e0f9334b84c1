package swapper

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/detector"
)

// BlendConfig controls how a swapped crop is pasted back.
type BlendConfig struct {
	BlurSize      int     // minimum feather kernel, forced odd
	ColorTransfer bool    // match LAB statistics of the original crop
	Sharpness     float32 // unsharp-mask amount inside the face box, 0 disables
}

// Blender handles face blending operations
type Blender struct {
	blurSize      int
	colorTransfer bool
	sharpness     float32
}

// NewBlender creates a new face blender
func NewBlender(cfg BlendConfig) *Blender {
	return &Blender{
		blurSize:      cfg.BlurSize,
		colorTransfer: cfg.ColorTransfer,
		sharpness:     cfg.Sharpness,
	}
}

// PasteBack warps a swapped crop back into frame coordinates and alpha-blends
// it over a copy of frame. frame is not modified; the caller owns the result.
func (b *Blender) PasteBack(frame, face gocv.Mat, transform detector.Affine, box detector.BoundingBox) (gocv.Mat, error) {
	det := transform.Determinant()
	if math.Abs(det) < 1e-12 {
		return gocv.Mat{}, fmt.Errorf("alignment transform is not invertible")
	}
	fwdMat := transform.Mat()
	defer fwdMat.Close()
	invMat := gocv.NewMat()
	defer invMat.Close()
	gocv.InvertAffineTransform(fwdMat, &invMat)

	frameSize := image.Pt(frame.Cols(), frame.Rows())

	warpedFace := gocv.NewMat()
	defer warpedFace.Close()
	gocv.WarpAffine(face, &warpedFace, invMat, frameSize)

	// Mask: the crop's footprint in the frame, eroded and feathered
	white := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), face.Rows(), face.Cols(), gocv.MatTypeCV8U)
	defer white.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.WarpAffine(white, &mask, invMat, frameSize)

	side := float64(face.Cols()) / math.Sqrt(math.Abs(det))
	erodeSize := max(int(side/10), 10)
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(erodeSize, erodeSize))
	defer kernel.Close()
	gocv.Erode(mask, &mask, kernel)

	blurSize := max(b.blurSize, 2*max(int(side/20), 5)+1)
	if blurSize%2 == 0 {
		blurSize++
	}
	gocv.GaussianBlur(mask, &mask, image.Pt(blurSize, blurSize), 0, 0, gocv.BorderDefault)

	result := alphaBlend(warpedFace, frame, mask)

	if b.sharpness > 0 {
		applySharpening(&result, box, b.sharpness)
	}

	return result, nil
}

// TransferColor matches the LAB mean/std of swapped to those of original,
// in place. Both are aligned crops of the same size.
func (b *Blender) TransferColor(swapped *gocv.Mat, original gocv.Mat) {
	if !b.colorTransfer {
		return
	}
	applyColorTransfer(swapped, original)
}

// alphaBlend returns fg*alpha + bg*(1-alpha) with alpha = mask/255.
func alphaBlend(fg, bg, mask gocv.Mat) gocv.Mat {
	alpha := gocv.NewMat()
	defer alpha.Close()
	mask.ConvertToWithParams(&alpha, gocv.MatTypeCV32F, 1.0/255.0, 0)

	alpha3 := gocv.NewMat()
	defer alpha3.Close()
	gocv.Merge([]gocv.Mat{alpha, alpha, alpha}, &alpha3)

	fgF := gocv.NewMat()
	defer fgF.Close()
	fg.ConvertTo(&fgF, gocv.MatTypeCV32FC3)

	bgF := gocv.NewMat()
	defer bgF.Close()
	bg.ConvertTo(&bgF, gocv.MatTypeCV32FC3)

	// bg + (fg - bg) * alpha
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.Subtract(fgF, bgF, &diff)
	gocv.Multiply(diff, alpha3, &diff)

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.Add(bgF, diff, &blended)

	result := gocv.NewMat()
	blended.ConvertTo(&result, gocv.MatTypeCV8UC3)
	return result
}

// applyColorTransfer transfers color from target to source using LAB color space
func applyColorTransfer(source *gocv.Mat, target gocv.Mat) {
	sourceLab := gocv.NewMat()
	defer sourceLab.Close()
	targetLab := gocv.NewMat()
	defer targetLab.Close()

	gocv.CvtColor(*source, &sourceLab, gocv.ColorBGRToLab)
	gocv.CvtColor(target, &targetLab, gocv.ColorBGRToLab)

	sourceMeanMat := gocv.NewMat()
	defer sourceMeanMat.Close()
	sourceStdMat := gocv.NewMat()
	defer sourceStdMat.Close()
	targetMeanMat := gocv.NewMat()
	defer targetMeanMat.Close()
	targetStdMat := gocv.NewMat()
	defer targetStdMat.Close()

	gocv.MeanStdDev(sourceLab, &sourceMeanMat, &sourceStdMat)
	gocv.MeanStdDev(targetLab, &targetMeanMat, &targetStdMat)

	sourceFloat := gocv.NewMat()
	defer sourceFloat.Close()
	sourceLab.ConvertTo(&sourceFloat, gocv.MatTypeCV32FC3)

	channels := gocv.Split(sourceFloat)
	resultChannels := make([]gocv.Mat, len(channels))
	for i := range channels {
		resultChannels[i] = gocv.NewMat()
		defer channels[i].Close()
		defer resultChannels[i].Close()

		srcMean := sourceMeanMat.GetDoubleAt(i, 0)
		srcStd := sourceStdMat.GetDoubleAt(i, 0)
		tgtMean := targetMeanMat.GetDoubleAt(i, 0)
		tgtStd := targetStdMat.GetDoubleAt(i, 0)

		if srcStd < 1e-6 {
			srcStd = 1e-6
		}

		scale := tgtStd / srcStd
		offset := tgtMean - srcMean*scale

		gocv.AddWeighted(channels[i], scale, channels[i], 0, offset, &resultChannels[i])
	}

	resultFloat := gocv.NewMat()
	defer resultFloat.Close()
	gocv.Merge(resultChannels, &resultFloat)

	resultLab := gocv.NewMat()
	defer resultLab.Close()
	resultFloat.ConvertTo(&resultLab, gocv.MatTypeCV8UC3)

	gocv.CvtColor(resultLab, source, gocv.ColorLabToBGR)
}

// applySharpening applies an unsharp mask to the face region
func applySharpening(frame *gocv.Mat, bbox detector.BoundingBox, sharpness float32) {
	x1 := max(0, int(bbox.X1))
	y1 := max(0, int(bbox.Y1))
	x2 := min(frame.Cols(), int(bbox.X2))
	y2 := min(frame.Rows(), int(bbox.Y2))

	if x2 <= x1 || y2 <= y1 {
		return
	}

	roi := frame.Region(image.Rect(x1, y1, x2, y2))
	defer roi.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(roi, &blurred, image.Pt(0, 0), 2, 2, gocv.BorderDefault)

	// sharpened = original + sharpness * (original - blurred)
	sharpened := gocv.NewMat()
	defer sharpened.Close()
	gocv.AddWeighted(roi, 1.0+float64(sharpness), blurred, -float64(sharpness), 0, &sharpened)

	sharpened.CopyTo(&roi)
}
