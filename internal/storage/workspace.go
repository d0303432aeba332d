package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/meshd/internal/common"
)

var (
	ErrTooLarge         = errors.New("video too large")
	ErrUnsupportedVideo = errors.New("unsupported video type")
	ErrInvalidName      = errors.New("invalid artifact name")
	ErrArtifactMissing  = errors.New("artifact not found")
)

// TooLargeError carries the limit so callers can report it.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s: maximum size is %s", ErrTooLarge, humanize.IBytes(uint64(e.Limit)))
}

func (e *TooLargeError) Is(target error) bool { return target == ErrTooLarge }

var allowedVideoExts = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
}

// Workspace owns the on-disk layout of jobs: <base>/jobs/<id>/{input,output}. Each job
// directory belongs to exactly one job.
type Workspace struct {
	baseDir string
	client  *http.Client
}

// NewWorkspace creates a workspace that stores jobs under baseDir/jobs.
func NewWorkspace(baseDir string, downloadTimeout time.Duration) *Workspace {
	return &Workspace{
		baseDir: filepath.Join(baseDir, common.JobsDirName),
		client:  &http.Client{Timeout: downloadTimeout},
	}
}

func (w *Workspace) Root() string              { return w.baseDir }
func (w *Workspace) JobDir(id string) string    { return filepath.Join(w.baseDir, id) }
func (w *Workspace) InputDir(id string) string  { return filepath.Join(w.JobDir(id), common.InputDirName) }
func (w *Workspace) OutputDir(id string) string { return filepath.Join(w.JobDir(id), common.OutputDirName) }

// Prepare creates the job's input and output directories.
func (w *Workspace) Prepare(id string) error {
	for _, dir := range []string{w.InputDir(id), w.OutputDir(id)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure job dir: %w", err)
		}
	}
	return nil
}

// Remove deletes the job directory. Missing directories are not an error.
func (w *Workspace) Remove(id string) error {
	if id == "" {
		return errors.New("job id is required")
	}
	if err := os.RemoveAll(w.JobDir(id)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// IsVideoName reports whether name has an accepted video extension.
func IsVideoName(name string) bool {
	return allowedVideoExts[strings.ToLower(filepath.Ext(name))]
}

// SaveUpload validates and stores an uploaded video into the job directory and returns its path.
func (w *Workspace) SaveUpload(id string, fileHeader *multipart.FileHeader, maxBytes int64) (string, error) {
	if fileHeader == nil {
		return "", fmt.Errorf("no file provided")
	}
	if !IsVideoName(fileHeader.Filename) {
		return "", fmt.Errorf("%w: please upload an MP4, MOV, AVI, or WebM video", ErrUnsupportedVideo)
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return "", &TooLargeError{Limit: maxBytes}
	}
	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	return w.writeVideo(id, strings.ToLower(filepath.Ext(fileHeader.Filename)), src, maxBytes)
}

// Download fetches videoURL into the job directory and returns its path.
func (w *Workspace) Download(ctx context.Context, id, videoURL string, maxBytes int64) (string, error) {
	u, err := url.ParseRequestURI(videoURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid video_url %q", videoURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download video: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download video: unexpected status code %d", resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return "", &TooLargeError{Limit: maxBytes}
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !allowedVideoExts[ext] {
		ext = ".mp4"
	}
	return w.writeVideo(id, ext, resp.Body, maxBytes)
}

func (w *Workspace) writeVideo(id, ext string, r io.Reader, maxBytes int64) (string, error) {
	if err := os.MkdirAll(w.JobDir(id), 0o755); err != nil {
		return "", fmt.Errorf("ensure job dir: %w", err)
	}
	dstPath := filepath.Join(w.JobDir(id), "input_video"+ext)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("write video: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(dstPath)
		return "", &TooLargeError{Limit: maxBytes}
	}
	return dstPath, nil
}

// ValidArtifactName rejects names that could leave the output directory.
func ValidArtifactName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// ArtifactPath resolves name inside the job's output directory and checks it is a regular file.
func (w *Workspace) ArtifactPath(id, name string) (string, error) {
	if !ValidArtifactName(name) {
		return "", ErrInvalidName
	}
	p := filepath.Join(w.OutputDir(id), name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrArtifactMissing
	}
	return p, nil
}

// MeshArchive returns the path of a zip holding the given per-frame meshes, building it on
// first use. The archive lives beside the output directory so it never shows up as an artifact.
func (w *Workspace) MeshArchive(id string, names []string) (string, error) {
	zipPath := filepath.Join(w.JobDir(id), common.MeshArchiveName)
	if info, err := os.Stat(zipPath); err == nil && info.Mode().IsRegular() {
		return zipPath, nil
	}

	tmp, err := os.CreateTemp(w.JobDir(id), common.MeshArchiveName+".*")
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = tmp.Close(); _ = os.Remove(tmpName) }

	zw := zip.NewWriter(tmp)
	for _, name := range names {
		src, err := w.ArtifactPath(id, name)
		if err != nil {
			cleanup()
			return "", err
		}
		if err := addToZip(zw, src, name); err != nil {
			cleanup()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, zipPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("store archive: %w", err)
	}
	return zipPath, nil
}

func addToZip(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src) // #nosec G304 - path resolved by ArtifactPath
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// JobDirs lists job directory names with their modification time.
func (w *Workspace) JobDirs() (map[string]time.Time, error) {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	out := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = info.ModTime()
	}
	return out, nil
}
