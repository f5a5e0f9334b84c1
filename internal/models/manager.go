package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dudu/faceswap/internal/config"
	"github.com/dudu/faceswap/internal/pipeline"
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrAlreadyInitialized is returned by a second call to Initialize.
var ErrAlreadyInitialized = errors.New("model manager already initialized")

// Detector is the shared face analysis handle.
type Detector interface {
	pipeline.FaceAnalyzer
	Close() error
}

// Synthesizer is the shared face swap handle.
type Synthesizer interface {
	pipeline.FaceSwapper
	Close() error
}

// Builder constructs model handles from artifacts already on disk.
type Builder interface {
	BuildDetector(ctx context.Context) (Detector, error)
	BuildSynthesizer(ctx context.Context) (Synthesizer, error)
	// Close releases what the builder set up for its handles, after the
	// handles themselves are closed.
	Close() error
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgress draws download progress bars on w.
func WithProgress(w io.Writer) Option {
	return func(m *Manager) { m.progress = w }
}

// Manager owns the model handles for the lifetime of the process. Handles are
// built once by Initialize and shared read-only afterwards.
type Manager struct {
	artifacts []Artifact
	fetcher   Fetcher
	builder   Builder
	logger    *slog.Logger
	progress  io.Writer

	state       atomic.Int32
	detector    Detector
	synthesizer Synthesizer
	closeOnce   sync.Once
	closeErr    error
}

// NewManager creates a manager in StateUninitialized.
func NewManager(artifacts []Artifact, fetcher Fetcher, builder Builder, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		artifacts: artifacts,
		fetcher:   fetcher,
		builder:   builder,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Initialize fetches missing artifacts and builds the detector and
// synthesizer. It may be called once; later calls return
// ErrAlreadyInitialized whatever the outcome of the first.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return ErrAlreadyInitialized
	}

	start := time.Now()
	m.logger.Info("initializing models", "artifacts", len(m.artifacts))

	if err := m.load(ctx); err != nil {
		m.state.Store(int32(StateFailed))
		m.logger.Error("model initialization failed", "err", err)
		return err
	}

	m.state.Store(int32(StateReady))
	m.logger.Info("models ready", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (m *Manager) load(ctx context.Context) error {
	for _, a := range m.artifacts {
		present := exists(a.Path)
		if err := EnsureArtifactPresent(ctx, m.fetcher, a, m.progress); err != nil {
			return err
		}
		if !present {
			m.logger.Info("artifact fetched", "artifact", a.Name, "path", a.Path)
		}
	}

	var (
		detector    Detector
		synthesizer Synthesizer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := m.builder.BuildDetector(gctx)
		if err != nil {
			return fmt.Errorf("failed to build detector: %w", err)
		}
		detector = d
		return nil
	})
	g.Go(func() error {
		s, err := m.builder.BuildSynthesizer(gctx)
		if err != nil {
			return fmt.Errorf("failed to build synthesizer: %w", err)
		}
		synthesizer = s
		return nil
	})

	if err := g.Wait(); err != nil {
		var errs []error
		if detector != nil {
			errs = append(errs, detector.Close())
		}
		if synthesizer != nil {
			errs = append(errs, synthesizer.Close())
		}
		errs = append(errs, m.builder.Close())
		if cerr := errors.Join(errs...); cerr != nil {
			m.logger.Warn("cleanup after failed initialization", "err", cerr)
		}
		return err
	}

	m.detector = detector
	m.synthesizer = synthesizer
	return nil
}

// Detector returns the shared detector. It panics unless State is
// StateReady.
func (m *Manager) Detector() Detector {
	m.mustBeReady("Detector")
	return m.detector
}

// Synthesizer returns the shared synthesizer. It panics unless State is
// StateReady.
func (m *Manager) Synthesizer() Synthesizer {
	m.mustBeReady("Synthesizer")
	return m.synthesizer
}

func (m *Manager) mustBeReady(getter string) {
	if s := m.State(); s != StateReady {
		panic(fmt.Sprintf("models: %s called in state %s", getter, s))
	}
}

// Close releases the handles and the builder's resources. Only meaningful
// after a successful Initialize; safe to call more than once.
func (m *Manager) Close() error {
	if m.State() != StateReady {
		return nil
	}
	m.closeOnce.Do(func() {
		m.closeErr = errors.Join(
			m.detector.Close(),
			m.synthesizer.Close(),
			m.builder.Close(),
		)
	})
	return m.closeErr
}

// ArtifactsFor lists the artifacts cfg needs. Detector and recognizer come
// from the analysis archive; the enhancer and emap, when configured, must
// already exist locally.
func ArtifactsFor(cfg config.Config) []Artifact {
	artifacts := []Artifact{
		{
			Name:   "detector",
			Path:   cfg.ModelPath(cfg.DetectorModel),
			Remote: cfg.AnalysisRemote,
			Member: filepath.Base(cfg.DetectorModel),
		},
		{
			Name:   "recognizer",
			Path:   cfg.ModelPath(cfg.RecognizerModel),
			Remote: cfg.AnalysisRemote,
			Member: filepath.Base(cfg.RecognizerModel),
		},
		{
			Name:   "swapper",
			Path:   cfg.ModelPath(cfg.SwapModel),
			Remote: cfg.SwapRemote,
		},
	}
	if cfg.EnhancerModel != "" {
		artifacts = append(artifacts, Artifact{Name: "enhancer", Path: cfg.ModelPath(cfg.EnhancerModel)})
	}
	if cfg.EmapPath != "" {
		artifacts = append(artifacts, Artifact{Name: "emap", Path: cfg.ModelPath(cfg.EmapPath)})
	}
	return artifacts
}
