package detector

import (
	"fmt"
	"image"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/inference"
)

// SCRFD implements the SCRFD face detector (insightface det_10g)
type SCRFD struct {
	session        *inference.Session
	inputSize      int
	confThreshold  float32
	nmsThreshold   float32
	featureStrides []int
	numAnchors     int
}

// NewSCRFD creates a new SCRFD detector
func NewSCRFD(modelPath string, inputSize int, confThreshold, nmsThreshold float32, logger *slog.Logger) (*SCRFD, error) {
	session, err := inference.NewSessionFromModel(modelPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SCRFD session: %w", err)
	}

	// 3 levels × 3 outputs each: score, bbox, kps
	if n := len(session.OutputNames()); n != 9 {
		session.Destroy()
		return nil, fmt.Errorf("SCRFD model %s has %d outputs, expected 9 (model without keypoints?)", modelPath, n)
	}

	return &SCRFD{
		session:        session,
		inputSize:      inputSize,
		confThreshold:  confThreshold,
		nmsThreshold:   nmsThreshold,
		featureStrides: []int{8, 16, 32},
		numAnchors:     2, // anchors per position
	}, nil
}

// Detect finds faces in a BGR image. Faces come back in descending score order.
func (s *SCRFD) Detect(img gocv.Mat) ([]Face, error) {
	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}
	if img.Channels() != 3 {
		return nil, fmt.Errorf("expected 3-channel image, got %d channels", img.Channels())
	}

	origHeight := img.Rows()
	origWidth := img.Cols()

	padded, scale := s.letterbox(img)
	// RGB, (x - 127.5) / 128
	inputTensor, err := inference.BlobTensor(padded, 1.0/128.0, 127.5, s.inputSize, s.inputSize)
	padded.Close()
	if err != nil {
		return nil, err
	}
	defer inputTensor.Destroy()

	// Output shapes differ between exports ([N,1] vs [1,N,1]); let the
	// runtime allocate them.
	outputs := make([]ort.Value, 9)
	err = s.session.Run([]ort.Value{inputTensor}, outputs)
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := make([][]float32, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %d is not a float32 tensor", i)
		}
		data[i] = t.GetData()
	}

	faces, err := s.postprocess(data, scale, origWidth, origHeight)
	if err != nil {
		return nil, err
	}

	return nms(faces, s.nmsThreshold), nil
}

// letterbox scales the image into the top-left of a black inputSize square.
// It returns the square and the scale applied.
func (s *SCRFD) letterbox(img gocv.Mat) (gocv.Mat, float32) {
	height := img.Rows()
	width := img.Cols()

	scale := float32(s.inputSize) / float32(max(height, width))

	newWidth := max(1, int(float32(width)*scale))
	newHeight := max(1, int(float32(height)*scale))

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(newWidth, newHeight), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMatWithSize(s.inputSize, s.inputSize, gocv.MatTypeCV8UC3)
	padded.SetTo(gocv.NewScalar(0, 0, 0, 0))

	roi := padded.Region(image.Rect(0, 0, newWidth, newHeight))
	resized.CopyTo(&roi)
	roi.Close()
	resized.Close()

	return padded, scale
}

// postprocess decodes model outputs to faces
func (s *SCRFD) postprocess(outputs [][]float32, scale float32, origWidth, origHeight int) ([]Face, error) {
	if len(outputs) != 3*len(s.featureStrides) {
		return nil, fmt.Errorf("expected %d outputs, got %d", 3*len(s.featureStrides), len(outputs))
	}

	var faces []Face
	for level := 0; level < 3; level++ {
		stride := s.featureStrides[level]
		fmHeight := s.inputSize / stride
		fmWidth := s.inputSize / stride
		anchors := fmHeight * fmWidth * s.numAnchors

		scoreData := outputs[level]
		bboxData := outputs[level+3]
		kpsData := outputs[level+6]

		if len(scoreData) < anchors || len(bboxData) < anchors*4 || len(kpsData) < anchors*10 {
			return nil, fmt.Errorf("stride %d: output size mismatch for input size %d", stride, s.inputSize)
		}

		fs := float32(stride)
		anchorIdx := 0
		for y := 0; y < fmHeight; y++ {
			for x := 0; x < fmWidth; x++ {
				for a := 0; a < s.numAnchors; a++ {
					score := scoreData[anchorIdx]

					if score >= s.confThreshold {
						cx := float32(x) * fs
						cy := float32(y) * fs

						// Decode bbox (distance to edges)
						bboxIdx := anchorIdx * 4
						x1 := clamp((cx-bboxData[bboxIdx]*fs)/scale, 0, float32(origWidth))
						y1 := clamp((cy-bboxData[bboxIdx+1]*fs)/scale, 0, float32(origHeight))
						x2 := clamp((cx+bboxData[bboxIdx+2]*fs)/scale, 0, float32(origWidth))
						y2 := clamp((cy+bboxData[bboxIdx+3]*fs)/scale, 0, float32(origHeight))

						kpsIdx := anchorIdx * 10
						kp := func(i int) Point {
							return Point{
								X: (cx + kpsData[kpsIdx+i*2]*fs) / scale,
								Y: (cy + kpsData[kpsIdx+i*2+1]*fs) / scale,
							}
						}

						faces = append(faces, Face{
							BoundingBox: BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
							Landmarks: Landmarks{
								LeftEye:    kp(0),
								RightEye:   kp(1),
								Nose:       kp(2),
								LeftMouth:  kp(3),
								RightMouth: kp(4),
							},
							Score: score,
						})
					}
					anchorIdx++
				}
			}
		}
	}

	return faces, nil
}

// Close releases detector resources
func (s *SCRFD) Close() error {
	return s.session.Destroy()
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
