package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jo-hoe/meshd/internal/collector"
	"github.com/jo-hoe/meshd/internal/common"
	"github.com/jo-hoe/meshd/internal/config"
	"github.com/jo-hoe/meshd/internal/jobs"
	"github.com/jo-hoe/meshd/internal/mesh"
	"github.com/jo-hoe/meshd/internal/storage"
)

// genMock records requests and writes the configured files into the output directory.
type genMock struct {
	mu    sync.Mutex
	calls []mesh.Request
	files []string
	err   error
	panic bool
}

func (g *genMock) Generate(ctx context.Context, req mesh.Request) error {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.panic {
		panic("generator exploded")
	}
	if g.err != nil {
		return g.err
	}
	for _, f := range g.files {
		if err := os.WriteFile(filepath.Join(req.OutputDir, f), []byte(f), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (g *genMock) Calls() []mesh.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]mesh.Request(nil), g.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			CallbackRetries: 2,
			CallbackBackoff: 10 * time.Millisecond,
		},
		Jobs: config.JobsConfig{
			MinFrames: 16,
			MaxFrames: 31,
		},
		Mesh: config.MeshConfig{
			Timeout:         time.Minute,
			DiagnosticLimit: 4096,
		},
	}
}

type fixture struct {
	cfg   *config.Config
	store *jobs.Registry
	ws    *storage.Workspace
	gen   *genMock
	w     *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:   testConfig(),
		store: jobs.NewRegistry(),
		ws:    storage.NewWorkspace(t.TempDir(), time.Second),
		gen:   &genMock{},
	}
	f.w = New(discardLogger(), f.cfg, f.store, f.gen, collector.New(nil), f.ws)
	return f
}

// newJob creates a queued record with n extracted frames and returns its work item.
func (f *fixture) newJob(t *testing.T, id string, n int, opts jobs.Options) jobs.WorkItem {
	t.Helper()
	if _, err := f.store.Create(id); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.ws.Prepare(id); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := os.WriteFile(filepath.Join(f.ws.InputDir(id), fmt.Sprintf("%03d.png", i)), []byte("png"), 0o644); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	return jobs.WorkItem{JobID: id, InputDir: f.ws.InputDir(id), OutputDir: f.ws.OutputDir(id), Options: opts}
}

func meshNames(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("mesh_%03d.glb", i))
	}
	return out
}

func TestWorker_Process_TooFewFrames(t *testing.T) {
	f := newFixture(t)
	item := f.newJob(t, "job-a", 10, jobs.Options{Profile: jobs.ProfileDefault})

	err := f.w.Process(context.Background(), item)
	if !errors.Is(err, jobs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	got, _ := f.store.Get("job-a")
	if got.Status != jobs.StatusError || !strings.Contains(got.Error, "at least 16") || got.Result != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if len(f.gen.Calls()) != 0 {
		t.Fatalf("generator must not run for invalid input")
	}
}

func TestWorker_Process_FinishedWithItemsAndPreview(t *testing.T) {
	f := newFixture(t)
	f.gen.files = append(meshNames(20), "preview.mp4")
	item := f.newJob(t, "job-b", 20, jobs.Options{Profile: jobs.ProfileFastLowResource})

	if err := f.w.Process(context.Background(), item); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := f.store.Get("job-b")
	if got.Status != jobs.StatusFinished || got.Result == nil {
		t.Fatalf("job not finished: %+v", got)
	}
	if len(got.Result.Items) != 20 || got.Result.Items[0].Name != "mesh_000.glb" || got.Result.Items[19].Name != "mesh_019.glb" {
		t.Fatalf("items = %+v", got.Result.Items)
	}
	if got.Result.Preview == nil || got.Result.Preview.Name != "preview.mp4" || got.Result.Composite != nil {
		t.Fatalf("preview/composite = %+v / %+v", got.Result.Preview, got.Result.Composite)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not stamped: %+v", got)
	}
	req := f.gen.Calls()[0]
	if !req.Fast || !req.LowMemory || req.InputDir != item.InputDir || req.OutputDir != item.OutputDir {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWorker_Process_CompositeDowngradedWithoutBlender(t *testing.T) {
	f := newFixture(t)
	f.gen.files = meshNames(31)
	item := f.newJob(t, "job-c", 31, jobs.Options{Profile: jobs.ProfileFast, CompositeExport: true})

	if err := f.w.Process(context.Background(), item); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := f.store.Get("job-c")
	if got.Status != jobs.StatusFinished || got.Result.Composite != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if req := f.gen.Calls()[0]; req.BlenderPath != "" || !req.Fast || req.LowMemory {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWorker_Process_CompositeWithBlender(t *testing.T) {
	f := newFixture(t)
	f.cfg.Mesh.BlenderPath = "/opt/blender/blender"
	f.gen.files = append(meshNames(16), common.CompositeFileName)
	item := f.newJob(t, "job-c2", 40, jobs.Options{Profile: jobs.ProfileDefault, CompositeExport: true})

	if err := f.w.Process(context.Background(), item); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := f.store.Get("job-c2")
	if got.Result.Composite == nil || got.Result.Composite.Name != common.CompositeFileName {
		t.Fatalf("composite missing: %+v", got.Result)
	}
	if req := f.gen.Calls()[0]; req.BlenderPath != "/opt/blender/blender" || req.Fast {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWorker_Process_ToolFailure(t *testing.T) {
	f := newFixture(t)
	f.gen.err = &mesh.ToolError{ExitCode: 1, Stderr: "CUDA out of memory"}
	item := f.newJob(t, "job-e", 20, jobs.Options{})

	if err := f.w.Process(context.Background(), item); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := f.store.Get("job-e")
	if got.Status != jobs.StatusError || !strings.Contains(got.Error, "CUDA out of memory") || got.Result != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestWorker_Process_DiagnosticTruncated(t *testing.T) {
	f := newFixture(t)
	f.cfg.Mesh.DiagnosticLimit = 64
	f.gen.err = &mesh.ToolError{ExitCode: 1, Stderr: strings.Repeat("noise ", 1000) + "FINAL ERROR"}
	item := f.newJob(t, "job-t", 20, jobs.Options{})

	_ = f.w.Process(context.Background(), item)
	got, _ := f.store.Get("job-t")
	if len(got.Error) != 64 || !strings.HasSuffix(got.Error, "FINAL ERROR") {
		t.Fatalf("diagnostic not truncated to tail: %q", got.Error)
	}
}

func TestWorker_Process_NoOutputIsError(t *testing.T) {
	f := newFixture(t)
	f.gen.files = []string{"notes.txt"}
	item := f.newJob(t, "job-n", 20, jobs.Options{})

	if err := f.w.Process(context.Background(), item); !errors.Is(err, errNoOutput) {
		t.Fatalf("expected errNoOutput, got %v", err)
	}
	got, _ := f.store.Get("job-n")
	if got.Status != jobs.StatusError || got.Error != "no output produced" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestWorker_Process_PanicBecomesError(t *testing.T) {
	f := newFixture(t)
	f.gen.panic = true
	item := f.newJob(t, "job-p", 20, jobs.Options{})

	if err := f.w.Process(context.Background(), item); err == nil {
		t.Fatalf("expected error from recovered panic")
	}
	got, _ := f.store.Get("job-p")
	if got.Status != jobs.StatusError || !strings.Contains(got.Error, "generator exploded") {
		t.Fatalf("unexpected job: %+v", got)
	}
	if f.w.Busy("job-p") {
		t.Fatalf("job should no longer be busy")
	}
}

func TestWorker_Process_RecordRemovedDiscardsFiles(t *testing.T) {
	f := newFixture(t)
	item := f.newJob(t, "job-r", 20, jobs.Options{})
	f.gen.files = meshNames(20)
	f.w.Generator = generatorFunc(func(ctx context.Context, req mesh.Request) error {
		if _, err := f.store.Delete("job-r"); err != nil {
			return err
		}
		return f.gen.Generate(ctx, req)
	})

	if err := f.w.Process(context.Background(), item); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(f.ws.JobDir("job-r")); !os.IsNotExist(err) {
		t.Fatalf("job dir should be removed: %v", err)
	}
}

type generatorFunc func(ctx context.Context, req mesh.Request) error

func (g generatorFunc) Generate(ctx context.Context, req mesh.Request) error { return g(ctx, req) }

func TestWorker_Process_SuccessWithCallback(t *testing.T) {
	var cbMu sync.Mutex
	var cbBodies []map[string]any
	attempts := 0
	cbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		cbMu.Lock()
		defer cbMu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		cbBodies = append(cbBodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer cbSrv.Close()

	f := newFixture(t)
	f.gen.files = meshNames(16)
	item := f.newJob(t, "job-cb", 16, jobs.Options{})
	cbURL := cbSrv.URL
	item.CallbackURL = &cbURL

	if err := f.w.Process(context.Background(), item); err != nil {
		t.Fatalf("Process: %v", err)
	}

	cbMu.Lock()
	defer cbMu.Unlock()
	if len(cbBodies) != 1 {
		t.Fatalf("expected one delivered callback after a retry, got %d", len(cbBodies))
	}
	if cbBodies[0]["status"] != common.StatusFinished || cbBodies[0]["id"] != "job-cb" {
		t.Fatalf("callback payload mismatch: %v", cbBodies[0])
	}
	if _, ok := cbBodies[0]["result"].(map[string]any); !ok {
		t.Fatalf("callback result missing: %v", cbBodies[0])
	}
}

func TestWorker_Process_ErrorCallback(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	cbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
	}))
	defer cbSrv.Close()

	f := newFixture(t)
	item := f.newJob(t, "job-cbe", 3, jobs.Options{})
	cbURL := cbSrv.URL
	item.CallbackURL = &cbURL
	_ = f.w.Process(context.Background(), item)

	body := <-bodies
	if body["status"] != common.StatusError || !strings.Contains(body["error"].(string), "too short") {
		t.Fatalf("callback payload mismatch: %v", body)
	}
}

func TestWorker_Process_CancelledJobStillReportsError(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	cbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
	}))
	defer cbSrv.Close()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.w.Generator = generatorFunc(func(ctx context.Context, req mesh.Request) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	item := f.newJob(t, "job-stop", 20, jobs.Options{})
	cbURL := cbSrv.URL
	item.CallbackURL = &cbURL

	if err := f.w.Process(ctx, item); err == nil {
		t.Fatalf("expected an error for a cancelled run")
	}
	got, _ := f.store.Get("job-stop")
	if got.Status != jobs.StatusError {
		t.Fatalf("status = %s", got.Status)
	}
	select {
	case body := <-bodies:
		if body["status"] != common.StatusError {
			t.Fatalf("callback payload mismatch: %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error callback not delivered after cancellation")
	}
}

func TestTruncateDiagnostic(t *testing.T) {
	if got := truncateDiagnostic("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncateDiagnostic("abcdefghij", 0); got != "abcdefghij" {
		t.Fatalf("limit 0 should disable truncation, got %q", got)
	}
	if got := truncateDiagnostic("abcdefghij", 4); got != "ghij" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 100) + "END"
	got := truncateDiagnostic(long, 30)
	if len(got) != 30 || !strings.HasPrefix(got, "...(truncated) ") || !strings.HasSuffix(got, "END") {
		t.Fatalf("got %q", got)
	}

	accents := strings.Repeat("é", 100)
	for _, limit := range []int{40, 5} {
		got := truncateDiagnostic(accents, limit)
		if !utf8.ValidString(got) || len(got) > limit || !strings.HasSuffix(got, "é") {
			t.Fatalf("limit %d: got %q (len %d)", limit, got, len(got))
		}
	}
}
