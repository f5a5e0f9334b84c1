// Package codec converts uploaded image bytes to BGR rasters and back.
package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"gocv.io/x/gocv"
)

// DefaultQuality matches OpenCV's default JPEG quality.
const DefaultQuality = 95

// ErrDecode is returned (wrapped) for any payload that is not a decodable image.
var ErrDecode = errors.New("invalid image file")

// DecodeError reports why a payload could not be decoded.
type DecodeError struct {
	MIME   string // sniffed content type of the payload
	Reason string
}

func (e *DecodeError) Error() string {
	if e.MIME == "" {
		return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
	}
	return fmt.Sprintf("%s: %s (content looks like %s)", ErrDecode, e.Reason, e.MIME)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Format is an output encoding.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
)

func (f Format) fileExt() gocv.FileExt {
	if f == PNG {
		return gocv.PNGFileExt
	}
	return gocv.JPEGFileExt
}

// ContentType returns the MIME type of encoded output.
func (f Format) ContentType() string {
	if f == PNG {
		return "image/png"
	}
	return "image/jpeg"
}

var allowedExtensions = map[string]Format{
	"jpg":  JPEG,
	"jpeg": JPEG,
	"png":  PNG,
}

// FormatFromName returns the format implied by a file name's extension.
func FormatFromName(name string) (Format, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	f, ok := allowedExtensions[ext]
	return f, ok
}

// AllowedExtension reports whether name ends in jpg, jpeg or png (any case).
func AllowedExtension(name string) bool {
	_, ok := FormatFromName(name)
	return ok
}

// Decode decodes data into a 3-channel BGR raster. The caller owns the Mat.
func Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.Mat{}, &DecodeError{Reason: "empty payload"}
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		img.Close()
		return gocv.Mat{}, &DecodeError{MIME: sniff(data), Reason: err.Error()}
	}
	if img.Empty() || img.Rows() == 0 || img.Cols() == 0 {
		img.Close()
		return gocv.Mat{}, &DecodeError{MIME: sniff(data), Reason: "not a supported image"}
	}

	return img, nil
}

// Encode compresses img. quality applies to JPEG only; <= 0 means DefaultQuality.
func Encode(img gocv.Mat, format Format, quality int) ([]byte, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot encode empty image")
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var params []int
	if format != PNG {
		params = []int{gocv.IMWriteJpegQuality, quality}
	}

	buf, err := gocv.IMEncodeWithParams(format.fileExt(), img, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	defer buf.Close()

	// The native buffer is freed on Close; copy out.
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func sniff(data []byte) string {
	return mimetype.Detect(data).String()
}
