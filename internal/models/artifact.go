package models

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// Artifact is a model file the service needs on local disk before it can
// serve.
type Artifact struct {
	Name   string // human readable, used in logs and errors
	Path   string // local destination
	Remote string // https:// URL or gdrive:<file-id>; empty means local only
	Member string // when set, Remote is a zip archive and Member the file inside it
}

// ArtifactUnavailableError means an artifact is missing and could not be
// obtained.
type ArtifactUnavailableError struct {
	Artifact string
	Err      error
}

func (e *ArtifactUnavailableError) Error() string {
	return fmt.Sprintf("model artifact %s unavailable: %v", e.Artifact, e.Err)
}

func (e *ArtifactUnavailableError) Unwrap() error { return e.Err }

// Fetcher retrieves remote artifacts. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (body io.ReadCloser, size int64, err error)
}

// DriveDownloadURL is the Google Drive direct download endpoint; the file id
// is appended.
const DriveDownloadURL = "https://drive.usercontent.google.com/download?export=download&confirm=t&id="

// HTTPFetcher fetches https:// and gdrive: references over HTTP.
type HTTPFetcher struct {
	Client   *http.Client
	DriveURL string // defaults to DriveDownloadURL
}

// NewHTTPFetcher returns a fetcher using http.DefaultClient.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: http.DefaultClient, DriveURL: DriveDownloadURL}
}

func (f *HTTPFetcher) resolve(ref string) (string, error) {
	if id, ok := strings.CutPrefix(ref, "gdrive:"); ok {
		if id == "" {
			return "", fmt.Errorf("empty drive file id in %q", ref)
		}
		base := f.DriveURL
		if base == "" {
			base = DriveDownloadURL
		}
		return base + url.QueryEscape(id), nil
	}
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref, nil
	}
	return "", fmt.Errorf("unsupported artifact reference %q", ref)
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	target, err := f.resolve(ref)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to fetch %s: unexpected status %s", ref, resp.Status)
	}
	// Drive answers quota and virus-scan interstitials with a 200 HTML page.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to fetch %s: remote returned an HTML page instead of the file", ref)
	}

	return resp.Body, resp.ContentLength, nil
}

// EnsureArtifactPresent makes sure a.Path exists, downloading it (or the
// archive holding it) when it does not. Download progress is drawn on
// progress; pass nil to draw nothing. Calling it again once the file exists
// does nothing.
func EnsureArtifactPresent(ctx context.Context, fetcher Fetcher, a Artifact, progress io.Writer) error {
	if err := ensure(ctx, fetcher, a, progress); err != nil {
		return &ArtifactUnavailableError{Artifact: a.Name, Err: err}
	}
	return nil
}

func ensure(ctx context.Context, fetcher Fetcher, a Artifact, progress io.Writer) error {
	if exists(a.Path) {
		return nil
	}
	if a.Remote == "" {
		return fmt.Errorf("%s does not exist and no remote is configured", a.Path)
	}
	if fetcher == nil {
		return fmt.Errorf("%s does not exist and no fetcher is configured", a.Path)
	}

	if a.Member == "" {
		return download(ctx, fetcher, a.Remote, a.Path, progress)
	}

	archive := filepath.Join(filepath.Dir(a.Path), archiveName(a))
	if !exists(archive) {
		if err := download(ctx, fetcher, a.Remote, archive, progress); err != nil {
			return err
		}
	}
	return extractMember(archive, a.Member, a.Path)
}

func exists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// archiveName is the cache file name for an artifact's remote archive.
func archiveName(a Artifact) string {
	if id, ok := strings.CutPrefix(a.Remote, "gdrive:"); ok {
		return "gdrive-" + id + ".zip"
	}
	if u, err := url.Parse(a.Remote); err == nil {
		if base := path.Base(u.Path); strings.HasSuffix(base, ".zip") {
			return base
		}
	}
	return a.Name + ".zip"
}

// download streams ref into dest through a temp file in dest's directory so
// dest never holds a partial file.
func download(ctx context.Context, fetcher Fetcher, ref, dest string, progress io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	body, size, err := fetcher.Fetch(ctx, ref)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if progress == nil {
		progress = io.Discard
	}
	if size <= 0 {
		size = -1 // spinner
	}
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetDescription("Downloading "+filepath.Base(dest)),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(progress) }),
	)

	if _, err := io.Copy(io.MultiWriter(tmp, bar), body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", ref, err)
	}
	_ = bar.Finish()

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

// extractMember copies the archive entry whose name or base name is member
// to dest.
func extractMember(archive, member, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		// Drop the corrupt cache so the next attempt downloads it again.
		os.Remove(archive)
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer r.Close()

	var entry *zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Name == member || path.Base(f.Name) == member {
			entry = f
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("archive %s has no member %s", archive, member)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in %s: %w", member, archive, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to extract %s: %w", member, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", member, err)
	}
	return nil
}

// EnsureAll ensures every artifact in order and stops at the first failure.
func EnsureAll(ctx context.Context, fetcher Fetcher, artifacts []Artifact, progress io.Writer) error {
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return &ArtifactUnavailableError{Artifact: a.Name, Err: err}
		}
		if err := EnsureArtifactPresent(ctx, fetcher, a, progress); err != nil {
			return err
		}
	}
	return nil
}

// IsUnavailable reports whether err is an ArtifactUnavailableError.
func IsUnavailable(err error) bool {
	var target *ArtifactUnavailableError
	return errors.As(err, &target)
}
