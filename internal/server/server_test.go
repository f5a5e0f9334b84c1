package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/detector"
	"github.com/dudu/faceswap/internal/models"
	"github.com/dudu/faceswap/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeAnalyzer reports faces by raster size.
type fakeAnalyzer struct {
	mu    sync.Mutex
	faces map[image.Point][]detector.Face
	calls int
}

func (a *fakeAnalyzer) Detect(img gocv.Mat) ([]detector.Face, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.faces[image.Pt(img.Cols(), img.Rows())], nil
}

func (a *fakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSwapper struct {
	mu      sync.Mutex
	calls   int
	sources []*detector.Embedding
	err     error
}

func (s *fakeSwapper) Swap(img gocv.Mat, _, source detector.Face) (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.sources = append(s.sources, source.Embedding)
	if s.err != nil {
		return gocv.NewMat(), s.err
	}
	return img.Clone(), nil
}

func (s *fakeSwapper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var (
	portraitSize  = image.Pt(40, 48)
	groupSize     = image.Pt(96, 64)
	landscapeSize = image.Pt(120, 40)
)

func face() detector.Face {
	return detector.Face{Score: 0.9, Embedding: &detector.Embedding{}}
}

func newFakes() (*fakeAnalyzer, *fakeSwapper) {
	return &fakeAnalyzer{faces: map[image.Point][]detector.Face{
		portraitSize: {face()},
		groupSize:    {face(), face()},
	}}, &fakeSwapper{}
}

func gradient(size image.Point) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, size image.Point) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(size)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T, size image.Point) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(size), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type part struct {
	field, filename string
	content         []byte
}

func multipartRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, p := range parts {
		fw, err := w.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(p.content); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/swap_faces/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func newTestServer(t *testing.T, analyzer pipeline.FaceAnalyzer, swapper pipeline.FaceSwapper, state models.State, opts Options) *Server {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = 95
	}
	s, err := New(opts, pipeline.New(analyzer, swapper, pipeline.Config{}), func() models.State { return state }, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body.Detail
}

func TestSwapFacesTwoFaceTarget(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

	req := multipartRequest(t,
		part{fieldSource, "source.png", pngBytes(t, portraitSize)},
		part{fieldTarget, "target.JPG", jpegBytes(t, groupSize)},
	)
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=swapped_result.jpg" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}
	if n := swapper.Calls(); n != 2 {
		t.Errorf("expected 2 synthesis calls, got %d", n)
	} else if swapper.sources[0] != swapper.sources[1] {
		t.Error("synthesis calls used different source faces")
	}

	out, err := gocv.IMDecode(rec.Body.Bytes(), gocv.IMReadColor)
	if err != nil {
		t.Fatalf("response is not an image: %v", err)
	}
	defer out.Close()
	if out.Cols() != groupSize.X || out.Rows() != groupSize.Y {
		t.Errorf("result is %dx%d, want %dx%d", out.Cols(), out.Rows(), groupSize.X, groupSize.Y)
	}
}

func TestSwapFacesRejections(t *testing.T) {
	tests := []struct {
		name           string
		parts          func(t *testing.T) []part
		wantStatus     int
		wantDetail     string
		wantDetections int
	}{
		{
			name: "text file named photo.jpg",
			parts: func(t *testing.T) []part {
				return []part{
					{fieldSource, "photo.jpg", []byte("this is not an image")},
					{fieldTarget, "group.png", pngBytes(t, groupSize)},
				}
			},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Invalid image file.",
		},
		{
			name: "landscape source",
			parts: func(t *testing.T) []part {
				return []part{
					{fieldSource, "landscape.png", pngBytes(t, landscapeSize)},
					{fieldTarget, "group.png", pngBytes(t, groupSize)},
				}
			},
			wantStatus:     http.StatusBadRequest,
			wantDetail:     "No face detected in the source image.",
			wantDetections: 1,
		},
		{
			name: "landscape target",
			parts: func(t *testing.T) []part {
				return []part{
					{fieldSource, "me.png", pngBytes(t, portraitSize)},
					{fieldTarget, "landscape.jpeg", pngBytes(t, landscapeSize)},
				}
			},
			wantStatus:     http.StatusBadRequest,
			wantDetail:     "No face detected in the target image.",
			wantDetections: 2,
		},
		{
			name: "gif source",
			parts: func(t *testing.T) []part {
				return []part{
					{fieldSource, "face.gif", []byte("GIF89a")},
					{fieldTarget, "group.png", pngBytes(t, groupSize)},
				}
			},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Source image must be jpg, jpeg, or png.",
		},
		{
			name: "target without extension",
			parts: func(t *testing.T) []part {
				return []part{
					{fieldSource, "me.png", pngBytes(t, portraitSize)},
					{fieldTarget, "group", pngBytes(t, groupSize)},
				}
			},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Target image must be jpg, jpeg, or png.",
		},
		{
			name: "missing target",
			parts: func(t *testing.T) []part {
				return []part{{fieldSource, "me.png", pngBytes(t, portraitSize)}}
			},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Missing form field target_image.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer, swapper := newFakes()
			s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

			rec := serve(s, multipartRequest(t, tt.parts(t)...))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := detail(t, rec); got != tt.wantDetail {
				t.Errorf("detail = %q, want %q", got, tt.wantDetail)
			}
			if n := analyzer.Calls(); n != tt.wantDetections {
				t.Errorf("detector called %d times, want %d", n, tt.wantDetections)
			}
			if n := swapper.Calls(); n != 0 {
				t.Errorf("synthesis called %d times, want 0", n)
			}
		})
	}
}

func TestSwapFacesSynthesisFailure(t *testing.T) {
	analyzer, swapper := newFakes()
	swapper.err = errors.New("inswapper output has wrong shape")
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

	rec := serve(s, multipartRequest(t,
		part{fieldSource, "me.jpg", pngBytes(t, portraitSize)},
		part{fieldTarget, "group.jpg", pngBytes(t, groupSize)},
	))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	got := detail(t, rec)
	if !strings.HasPrefix(got, "Face swapping failed: ") || !strings.Contains(got, "wrong shape") {
		t.Errorf("detail = %q", got)
	}
	if n := swapper.Calls(); n != 1 {
		t.Errorf("expected swapping to stop after the first failure, got %d calls", n)
	}
}

func TestSwapFacesUploadTooLarge(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{MaxUploadBytes: 1024})

	rec := serve(s, multipartRequest(t,
		part{fieldSource, "me.png", bytes.Repeat([]byte{0xff}, 4096)},
		part{fieldTarget, "group.png", pngBytes(t, groupSize)},
	))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if analyzer.Calls() != 0 {
		t.Error("detector ran on an oversized upload")
	}
}

func TestSwapFacesNotMultipart(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

	req := httptest.NewRequest(http.MethodPost, "/swap_faces/", strings.NewReader(`{"source_image": "x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(s, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSwapFacesNotReady(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateInitializing, Options{})

	rec := serve(s, multipartRequest(t,
		part{fieldSource, "me.png", pngBytes(t, portraitSize)},
		part{fieldTarget, "group.png", pngBytes(t, groupSize)},
	))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if analyzer.Calls() != 0 {
		t.Error("detector ran before models were ready")
	}
}

func TestHealthz(t *testing.T) {
	for state, want := range map[models.State]int{
		models.StateReady:        http.StatusOK,
		models.StateInitializing: http.StatusServiceUnavailable,
		models.StateFailed:       http.StatusServiceUnavailable,
	} {
		analyzer, swapper := newFakes()
		s := newTestServer(t, analyzer, swapper, state, Options{})

		rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != want {
			t.Errorf("%s: status = %d, want %d", state, rec.Code, want)
		}
		if !strings.Contains(rec.Body.String(), state.String()) {
			t.Errorf("%s: body = %s", state, rec.Body.String())
		}
	}
}

func TestUploadPageAndAssets(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `id="swapButton"`) {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	for _, asset := range []string{"/static/script.js", "/static/style.css"} {
		rec := serve(s, httptest.NewRequest(http.MethodGet, asset, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", asset, rec.Code)
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := serve(s, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	analyzer, swapper := newFakes()
	s := newTestServer(t, analyzer, swapper, models.StateReady, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/swap_faces/", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(s, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		detail string
	}{
		{&pipeline.NoFaceDetectedError{Role: pipeline.RoleTarget}, http.StatusBadRequest, "No face detected in the target image."},
		{&pipeline.SynthesisError{Face: 0, Err: pipeline.ErrSynthesisTimeout}, http.StatusInternalServerError, "Face swapping failed: synthesis timed out"},
		{&pipeline.DetectionError{Role: pipeline.RoleSource, Err: errors.New("bad shape")}, http.StatusInternalServerError, "Face detection failed: bad shape"},
		{errors.New("anything"), http.StatusInternalServerError, "Internal server error."},
	}
	for _, tt := range tests {
		status, detail := classify(tt.err)
		if status != tt.status || detail != tt.detail {
			t.Errorf("classify(%v) = %d %q, want %d %q", tt.err, status, detail, tt.status, tt.detail)
		}
	}
}
