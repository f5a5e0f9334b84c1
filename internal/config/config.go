package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FACESWAP_"

// Remote references for the default model set. gdrive: refs are resolved by
// the model fetcher.
const (
	DefaultSwapRemote     = "gdrive:13_ksjO8sNIqwdLx4x3VwaFmRK5P7Tjvz"
	DefaultAnalysisRemote = "https://github.com/deepinsight/insightface/releases/download/v0.7/buffalo_l.zip"
)

// Config holds service configuration
type Config struct {
	Addr     string
	LogLevel string

	ModelDir        string
	DetectorModel   string // SCRFD, member of the analysis pack
	RecognizerModel string // ArcFace, member of the analysis pack
	AnalysisRemote  string
	SwapModel       string
	SwapRemote      string
	EnhancerModel   string // optional GFPGAN model, empty disables enhancement
	EmapPath        string // raw 512x512 float32 emap overriding the one in SwapModel
	ORTLibrary      string

	DetectionSize      int
	ConfThreshold      float32
	NMSThreshold       float32
	ExecutionContextID int
	BlurSize           int
	ColorTransfer      bool
	Sharpness          float32 // unsharp-mask amount over pasted faces, 0 disables

	JPEGQuality    int
	Workers        int
	ModelTimeout   time.Duration
	MaxUploadBytes int64
	ShutdownGrace  time.Duration
}

// Default returns the configuration the service runs with when nothing is set.
func Default() Config {
	return Config{
		Addr:     ":8000",
		LogLevel: "info",

		ModelDir:        "models",
		DetectorModel:   "det_10g.onnx",
		RecognizerModel: "w600k_r50.onnx",
		AnalysisRemote:  DefaultAnalysisRemote,
		SwapModel:       "inswapper_128.onnx",
		SwapRemote:      DefaultSwapRemote,
		ORTLibrary:      "lib/libonnxruntime.so",

		DetectionSize:      640,
		ConfThreshold:      0.5,
		NMSThreshold:       0.4,
		ExecutionContextID: 0,
		BlurSize:           31,
		ColorTransfer:      false,
		Sharpness:          0,

		JPEGQuality:    95,
		Workers:        runtime.NumCPU(),
		ModelTimeout:   0,
		MaxUploadBytes: 20 << 20,
		ShutdownGrace:  10 * time.Second,
	}
}

// Load returns Default overridden by FACESWAP_* environment variables.
func Load() (Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found via lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float32) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = float32(f)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("MODEL_DIR", &c.ModelDir)
	str("DETECTOR_MODEL", &c.DetectorModel)
	str("RECOGNIZER_MODEL", &c.RecognizerModel)
	str("ANALYSIS_REMOTE", &c.AnalysisRemote)
	str("SWAP_MODEL", &c.SwapModel)
	str("SWAP_REMOTE", &c.SwapRemote)
	str("ENHANCER_MODEL", &c.EnhancerModel)
	str("EMAP", &c.EmapPath)
	str("ORT_LIBRARY", &c.ORTLibrary)
	num("DET_SIZE", &c.DetectionSize)
	float("CONF_THRESHOLD", &c.ConfThreshold)
	float("NMS_THRESHOLD", &c.NMSThreshold)
	num("CTX_ID", &c.ExecutionContextID)
	num("BLUR_SIZE", &c.BlurSize)
	boolean("COLOR_TRANSFER", &c.ColorTransfer)
	float("SHARPNESS", &c.Sharpness)
	num("JPEG_QUALITY", &c.JPEGQuality)
	num("WORKERS", &c.Workers)
	duration("MODEL_TIMEOUT", &c.ModelTimeout)
	duration("SHUTDOWN_GRACE", &c.ShutdownGrace)
	if v, ok := lookup(EnvPrefix + "MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_UPLOAD_BYTES: %w", EnvPrefix, err))
		} else {
			c.MaxUploadBytes = n
		}
	}

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.DetectorModel == "" || c.RecognizerModel == "" || c.SwapModel == "" {
		errs = append(errs, errors.New("detector, recognizer and swap model names are required"))
	}
	if c.DetectionSize <= 0 || c.DetectionSize%32 != 0 {
		errs = append(errs, fmt.Errorf("detection size %d must be a positive multiple of 32", c.DetectionSize))
	}
	if c.ConfThreshold <= 0 || c.ConfThreshold >= 1 {
		errs = append(errs, fmt.Errorf("confidence threshold %v must be in (0, 1)", c.ConfThreshold))
	}
	if c.NMSThreshold <= 0 || c.NMSThreshold >= 1 {
		errs = append(errs, fmt.Errorf("nms threshold %v must be in (0, 1)", c.NMSThreshold))
	}
	if c.BlurSize < 0 {
		errs = append(errs, fmt.Errorf("blur size %d is negative", c.BlurSize))
	}
	if c.Sharpness < 0 {
		errs = append(errs, fmt.Errorf("sharpness %v is negative", c.Sharpness))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d must be in [1, 100]", c.JPEGQuality))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers %d must be at least 1", c.Workers))
	}
	if c.ModelTimeout < 0 {
		errs = append(errs, fmt.Errorf("model timeout %s is negative", c.ModelTimeout))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload size %d must be positive", c.MaxUploadBytes))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ModelPath resolves a model file name against ModelDir. Absolute paths are
// returned unchanged.
func (c Config) ModelPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ModelDir, name)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// NewLogger builds the process logger: text records on stderr at the
// configured level.
func (c Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
