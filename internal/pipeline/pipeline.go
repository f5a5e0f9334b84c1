package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/detector"
)

// Config holds pipeline configuration
type Config struct {
	// ModelTimeout bounds each detection and swap call; 0 disables it.
	ModelTimeout time.Duration
}

// Timing holds performance timing information for one Swap call
type Timing struct {
	Detection time.Duration
	Swap      time.Duration
	Total     time.Duration
}

// Result is the output of one Swap call. The caller owns Image.
type Result struct {
	Image  gocv.Mat
	Faces  int // target faces swapped
	Timing Timing
}

// Pipeline orchestrates the face swap process over shared, read-only models.
// It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	config   Config
	analyzer FaceAnalyzer
	swapper  FaceSwapper
}

// New creates a new face swap pipeline
func New(analyzer FaceAnalyzer, swapper FaceSwapper, config Config) *Pipeline {
	return &Pipeline{
		config:   config,
		analyzer: analyzer,
		swapper:  swapper,
	}
}

// Swap replaces every face in target with the first face found in source.
//
// Target faces are composited one at a time in detector order, each swap
// operating on the previous swap's output. The source face is always the
// first one the detector reports; no ranking is applied. source and target
// are not modified and remain owned by the caller.
func (p *Pipeline) Swap(ctx context.Context, source, target gocv.Mat) (*Result, error) {
	totalStart := time.Now()
	var timing Timing

	detectStart := time.Now()
	sourceFaces, err := p.detect(ctx, RoleSource, source)
	if err != nil {
		return nil, err
	}
	if len(sourceFaces) == 0 {
		return nil, &NoFaceDetectedError{Role: RoleSource}
	}

	targetFaces, err := p.detect(ctx, RoleTarget, target)
	if err != nil {
		return nil, err
	}
	if len(targetFaces) == 0 {
		return nil, &NoFaceDetectedError{Role: RoleTarget}
	}
	timing.Detection = time.Since(detectStart)

	sourceFace := sourceFaces[0]

	swapStart := time.Now()
	result := target.Clone()
	for i, targetFace := range targetFaces {
		if err := ctx.Err(); err != nil {
			result.Close()
			return nil, err
		}

		next, err := p.swapOne(ctx, result, targetFace, sourceFace)
		// swapOne has taken ownership of the previous accumulator.
		if err != nil {
			return nil, &SynthesisError{Face: i, Err: err}
		}
		result = next
	}
	timing.Swap = time.Since(swapStart)
	timing.Total = time.Since(totalStart)

	return &Result{
		Image:  result,
		Faces:  len(targetFaces),
		Timing: timing,
	}, nil
}

func (p *Pipeline) detect(ctx context.Context, role Role, img gocv.Mat) ([]detector.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A call abandoned on timeout may still be reading its input, so it gets
	// a private copy that it releases itself.
	input := img
	var after func()
	if p.config.ModelTimeout > 0 {
		input = img.Clone()
		after = func() { input.Close() }
	}

	faces, err := runBounded(ctx, p.config.ModelTimeout,
		func() ([]detector.Face, error) { return p.analyzer.Detect(input) },
		after, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &DetectionError{Role: role, Err: err}
	}
	return faces, nil
}

// swapOne runs one synthesis step and always releases acc once the model is
// done with it.
func (p *Pipeline) swapOne(ctx context.Context, acc gocv.Mat, target, source detector.Face) (gocv.Mat, error) {
	next, err := runBounded(ctx, p.config.ModelTimeout,
		func() (gocv.Mat, error) { return p.swapper.Swap(acc, target, source) },
		func() { acc.Close() },
		func(m gocv.Mat) { m.Close() })
	if err != nil {
		next.Close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return gocv.Mat{}, fmt.Errorf("%w after %s", ErrSynthesisTimeout, p.config.ModelTimeout)
		}
		return gocv.Mat{}, err
	}
	if next.Empty() {
		next.Close()
		return gocv.Mat{}, fmt.Errorf("swap model returned an empty image")
	}
	return next, nil
}
