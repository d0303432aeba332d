// Package frames turns input videos into the numbered still images the mesh generator consumes.
package frames

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/meshd/internal/common"
)

// ErrNoFrames is returned when ffmpeg succeeded but produced nothing.
var ErrNoFrames = errors.New("no frames extracted from video")

// Extractor runs ffmpeg to write at most MaxFrames PNG frames named 000.png, 001.png, ...
type Extractor struct {
	FFmpegPath string
	MaxFrames  int
	TargetFPS  float64 // 0 keeps the source rate
	Timeout    time.Duration

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewExtractor(ffmpegPath string, maxFrames int, targetFPS float64, timeout time.Duration) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = common.FFmpegExecutable
	}
	return &Extractor{
		FFmpegPath: ffmpegPath,
		MaxFrames:  maxFrames,
		TargetFPS:  targetFPS,
		Timeout:    timeout,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Args returns the ffmpeg arguments for extracting videoPath into outDir.
func (e *Extractor) Args(videoPath, outDir string) []string {
	args := []string{"-y", "-i", videoPath}
	if e.TargetFPS > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(e.TargetFPS, 'f', -1, 64))
	}
	return append(args,
		"-frames:v", strconv.Itoa(e.MaxFrames),
		"-start_number", "0",
		filepath.Join(outDir, common.FramePattern),
	)
}

// Extract writes frames for videoPath into outDir and returns how many exist afterwards.
func (e *Extractor) Extract(ctx context.Context, videoPath, outDir string) (int, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("ensure frames dir: %w", err)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	out, err := e.run(ctx, e.FFmpegPath, e.Args(videoPath, outDir)...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, fmt.Errorf("ffmpeg not found at %q: %w", e.FFmpegPath, err)
		}
		return 0, fmt.Errorf("ffmpeg failed: %w: %s", err, tail(string(out), 1024))
	}
	n, err := Count(outDir)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNoFrames
	}
	return n, nil
}

// Count returns the number of PNG frames directly inside dir.
func Count(dir string) (int, error) {
	names, err := List(dir)
	return len(names), err
}

// List returns the PNG frame names in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), common.FrameExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
