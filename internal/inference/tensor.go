package inference

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

// BytesToFloat32 reinterprets a little-endian float32 blob (as produced by
// gocv.BlobFromImage) as a float32 slice.
func BytesToFloat32(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}

// BlobTensor resizes a BGR image to width x height and packs it as a
// [1, 3, height, width] RGB tensor of (pixel - mean) * scale.
// The caller destroys the tensor.
func BlobTensor(img gocv.Mat, scale, mean float64, width, height int) (*ort.Tensor[float32], error) {
	blob := gocv.BlobFromImage(img, scale, image.Pt(width, height),
		gocv.NewScalar(mean, mean, mean, 0), true, false)
	defer blob.Close()

	tensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(height), int64(width)), BytesToFloat32(blob.ToBytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	return tensor, nil
}

// ClampByte converts a [0, 255] float to a byte, saturating out-of-range values.
func ClampByte(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// PlanarRGBToBGR converts an NCHW [1, 3, size, size] RGB output in [0, 1]
// to a size x size BGR image.
func PlanarRGBToBGR(data []float32, size int) (gocv.Mat, error) {
	plane := size * size
	if size <= 0 || len(data) < 3*plane {
		return gocv.Mat{}, fmt.Errorf("planar output has %d values, need %d for %dx%d", len(data), 3*plane, size, size)
	}
	pixels := make([]byte, plane*3)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x

			r := ClampByte(data[0*plane+idx] * 255.0)
			g := ClampByte(data[1*plane+idx] * 255.0)
			b := ClampByte(data[2*plane+idx] * 255.0)

			pixels[idx*3+0] = b
			pixels[idx*3+1] = g
			pixels[idx*3+2] = r
		}
	}

	return gocv.NewMatFromBytes(size, size, gocv.MatTypeCV8UC3, pixels)
}
