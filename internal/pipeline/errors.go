package pipeline

import (
	"errors"
	"fmt"
)

// Role names which uploaded image an error refers to.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

var (
	// ErrNoFace matches every NoFaceDetectedError.
	ErrNoFace = errors.New("no face detected")
	// ErrSynthesisTimeout is wrapped in a SynthesisError when a swap call
	// exceeds the configured model timeout.
	ErrSynthesisTimeout = errors.New("synthesis timed out")
)

// NoFaceDetectedError means the detector found zero faces in one image.
type NoFaceDetectedError struct {
	Role Role
}

func (e *NoFaceDetectedError) Error() string {
	return fmt.Sprintf("no face detected in the %s image", e.Role)
}

func (e *NoFaceDetectedError) Is(target error) bool {
	return target == ErrNoFace
}

// DetectionError wraps a failure of the detection model itself.
type DetectionError struct {
	Role Role
	Err  error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("face detection failed on the %s image: %v", e.Role, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// SynthesisError wraps a failure of the swap model for one target face.
type SynthesisError struct {
	Face int // index of the target face in detector order
	Err  error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("target face %d: %v", e.Face, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
