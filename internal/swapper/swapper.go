package swapper

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/detector"
)

// Generator produces a swapped aligned crop from a target crop and a source latent.
type Generator interface {
	Swap(targetFace gocv.Mat, latent *detector.Embedding) (gocv.Mat, error)
	Close() error
}

// Enhancer restores a swapped crop, possibly at a larger square size.
type Enhancer interface {
	Enhance(face gocv.Mat) (gocv.Mat, error)
	Close() error
}

// Swapper replaces one target face in a raster with a source identity:
// align, generate, optionally enhance, paste back.
type Swapper struct {
	aligner   *detector.FaceAligner
	generator Generator
	emap      *Emap
	enhancer  Enhancer
	blender   *Blender
}

// NewSwapper assembles a swapper. enhancer may be nil; emap may not.
func NewSwapper(generator Generator, emap *Emap, enhancer Enhancer, blend BlendConfig) (*Swapper, error) {
	if emap == nil {
		return nil, errors.New("swapper requires an emap")
	}
	return &Swapper{
		aligner:   detector.NewFaceAligner(),
		generator: generator,
		emap:      emap,
		enhancer:  enhancer,
		blender:   NewBlender(blend),
	}, nil
}

// Swap returns a new raster where target's face region in img carries
// source's identity. img is left untouched.
func (s *Swapper) Swap(img gocv.Mat, target, source detector.Face) (gocv.Mat, error) {
	if source.Embedding == nil {
		return gocv.Mat{}, fmt.Errorf("source face has no embedding")
	}

	aligned, err := s.aligner.Align(img, target.Landmarks, InswapperSize)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("alignment failed: %w", err)
	}
	defer aligned.Close()

	latent := s.emap.TransformEmbedding(source.Embedding)

	swapped, err := s.generator.Swap(aligned.AlignedFace, latent)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("generation failed: %w", err)
	}
	defer swapped.Close()

	s.blender.TransferColor(&swapped, aligned.AlignedFace)

	crop, transform := swapped, aligned.Transform
	if s.enhancer != nil {
		enhanced, err := s.enhancer.Enhance(swapped)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("enhancement failed: %w", err)
		}
		defer enhanced.Close()

		crop = enhanced
		transform = transform.Scale(float64(enhanced.Cols()) / InswapperSize)
	}

	result, err := s.blender.PasteBack(img, crop, transform, target.BoundingBox)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("paste back failed: %w", err)
	}
	return result, nil
}

// Close releases swapper resources
func (s *Swapper) Close() error {
	var errs []error
	if s.generator != nil {
		errs = append(errs, s.generator.Close())
	}
	if s.enhancer != nil {
		errs = append(errs, s.enhancer.Close())
	}
	return errors.Join(errs...)
}
