// Package collector maps the files a mesh generation run leaves in its output directory
// onto the client-facing result shape.
package collector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jo-hoe/meshd/internal/common"
	"github.com/jo-hoe/meshd/internal/jobs"
)

var meshPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(common.MeshFilePrefix) + `(\d+)` + regexp.QuoteMeta(common.MeshFileExt) + `$`)

// DefaultPreviewPatterns are tried in order; the first pattern with a match wins.
var DefaultPreviewPatterns = []string{"preview*.mp4", "render*.mp4", "*.mp4"}

// Collector scans output directories. The zero value is not usable; call New.
type Collector struct {
	previewPatterns []string
}

// New returns a Collector. An empty pattern list falls back to DefaultPreviewPatterns.
func New(previewPatterns []string) *Collector {
	if len(previewPatterns) == 0 {
		previewPatterns = DefaultPreviewPatterns
	}
	return &Collector{previewPatterns: previewPatterns}
}

// Collect builds the result for dir. It only reads the directory, so repeated calls over an
// unchanged directory return identical results. A missing directory yields an empty result.
func (c *Collector) Collect(dir string) (jobs.Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return jobs.Result{Items: []jobs.Artifact{}}, nil
		}
		return jobs.Result{}, fmt.Errorf("read output dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	type indexed struct {
		idx  int
		name string
	}
	var meshes []indexed
	res := jobs.Result{Items: []jobs.Artifact{}}
	for _, name := range names {
		if name == common.CompositeFileName {
			res.Composite = &jobs.Artifact{Name: name, ContentType: ContentType(name)}
			continue
		}
		m := meshPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		meshes = append(meshes, indexed{idx: idx, name: name})
	}
	sort.SliceStable(meshes, func(i, j int) bool { return meshes[i].idx < meshes[j].idx })
	for _, m := range meshes {
		res.Items = append(res.Items, jobs.Artifact{Name: m.name, ContentType: ContentType(m.name)})
	}

	for _, pattern := range c.previewPatterns {
		if name, ok := firstMatch(names, pattern); ok {
			res.Preview = &jobs.Artifact{Name: name, ContentType: ContentType(name)}
			break
		}
	}
	return res, nil
}

func firstMatch(sortedNames []string, pattern string) (string, bool) {
	for _, name := range sortedNames {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return name, true
		}
	}
	return "", false
}

// ContentType maps an artifact file name to the content type it is served with.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".glb":
		return common.MimeGLTFBinary
	case ".mp4":
		return common.MimeVideoMP4
	case ".zip":
		return common.MimeZip
	default:
		return common.MimeOctetStream
	}
}
