package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/codec"
	"github.com/dudu/faceswap/internal/models"
	"github.com/dudu/faceswap/internal/pipeline"
)

const (
	fieldSource    = "source_image"
	fieldTarget    = "target_image"
	resultFilename = "swapped_result.jpg"

	// multipartMemory is how much of a form is held in memory before parts
	// spill to temp files; the request as a whole is capped by MaxUploadBytes.
	multipartMemory = 8 << 20
)

// httpError is an error with the status and message sent to the client.
type httpError struct {
	status int
	detail string
	err    error
}

func (e *httpError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%d %s: %v", e.status, e.detail, e.err)
	}
	return fmt.Sprintf("%d %s", e.status, e.detail)
}

func (e *httpError) Unwrap() error { return e.err }

type upload struct {
	role   pipeline.Role
	header *multipart.FileHeader
}

func (s *Server) handleSwapFaces(c *gin.Context) {
	if s.state() != models.StateReady {
		s.fail(c, &httpError{status: http.StatusServiceUnavailable, detail: "Models are not ready."})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		s.fail(c, formError(err))
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	source, err := formUpload(c, pipeline.RoleSource, fieldSource)
	if err != nil {
		s.fail(c, err)
		return
	}
	target, err := formUpload(c, pipeline.RoleTarget, fieldTarget)
	if err != nil {
		s.fail(c, err)
		return
	}

	// Both names are checked before either body is read.
	for _, u := range []upload{source, target} {
		if !codec.AllowedExtension(u.header.Filename) {
			s.fail(c, &httpError{
				status: http.StatusBadRequest,
				detail: fmt.Sprintf("%s image must be jpg, jpeg, or png.", roleTitle(u.role)),
			})
			return
		}
	}

	sourceImg, err := decodeUpload(source)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sourceImg.Close()

	targetImg, err := decodeUpload(target)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer targetImg.Close()

	ctx := c.Request.Context()
	var (
		result  *pipeline.Result
		swapErr error
	)
	s.submit(func() {
		result, swapErr = s.pipeline.Swap(ctx, sourceImg, targetImg)
	})
	if swapErr != nil {
		s.fail(c, swapErr)
		return
	}
	defer result.Image.Close()

	c.Set(facesKey, result.Faces)
	c.Set(timingKey, result.Timing)

	data, err := codec.Encode(result.Image, codec.JPEG, s.opts.JPEGQuality)
	if err != nil {
		s.fail(c, fmt.Errorf("failed to encode result: %w", err))
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+resultFilename)
	c.Data(http.StatusOK, codec.JPEG.ContentType(), data)
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return &httpError{
			status: http.StatusRequestEntityTooLarge,
			detail: "Upload is too large.",
			err:    err,
		}
	}
	return &httpError{status: http.StatusBadRequest, detail: "Request must be a multipart form upload.", err: err}
}

func formUpload(c *gin.Context, role pipeline.Role, field string) (upload, error) {
	files := c.Request.MultipartForm.File[field]
	if len(files) == 0 {
		return upload{}, &httpError{
			status: http.StatusBadRequest,
			detail: fmt.Sprintf("Missing form field %s.", field),
			err:    http.ErrMissingFile,
		}
	}
	return upload{role: role, header: files[0]}, nil
}

func decodeUpload(u upload) (gocv.Mat, error) {
	f, err := u.header.Open()
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to open %s upload: %w", u.role, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to read %s upload: %w", u.role, err)
	}

	img, err := codec.Decode(data)
	if err != nil {
		return gocv.Mat{}, &httpError{status: http.StatusBadRequest, detail: "Invalid image file.", err: fmt.Errorf("%s: %w", u.role, err)}
	}
	return img, nil
}

// fail writes the JSON error body for err and logs it.
func (s *Server) fail(c *gin.Context, err error) {
	status, detail := classify(err)

	attrs := []any{"request_id", c.GetString(requestIDKey), "status", status, "err", err}
	if status >= http.StatusInternalServerError {
		s.logger.Error("swap request failed", attrs...)
	} else {
		s.logger.Info("swap request rejected", attrs...)
	}

	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// classify maps an error to its HTTP status and client-facing message.
func classify(err error) (int, string) {
	var (
		he        *httpError
		noFace    *pipeline.NoFaceDetectedError
		synthesis *pipeline.SynthesisError
		detection *pipeline.DetectionError
	)
	switch {
	case errors.As(err, &he):
		return he.status, he.detail
	case errors.As(err, &noFace):
		return http.StatusBadRequest, fmt.Sprintf("No face detected in the %s image.", noFace.Role)
	case errors.As(err, &synthesis):
		return http.StatusInternalServerError, "Face swapping failed: " + synthesis.Err.Error()
	case errors.As(err, &detection):
		return http.StatusInternalServerError, "Face detection failed: " + detection.Err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, "Request was cancelled."
	}
	return http.StatusInternalServerError, "Internal server error."
}

func roleTitle(r pipeline.Role) string {
	if r == pipeline.RoleSource {
		return "Source"
	}
	return "Target"
}
