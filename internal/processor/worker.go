package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jo-hoe/meshd/internal/collector"
	"github.com/jo-hoe/meshd/internal/common"
	"github.com/jo-hoe/meshd/internal/config"
	"github.com/jo-hoe/meshd/internal/frames"
	"github.com/jo-hoe/meshd/internal/jobs"
	"github.com/jo-hoe/meshd/internal/mesh"
	"github.com/jo-hoe/meshd/internal/metrics"
	"github.com/jo-hoe/meshd/internal/storage"
)

var errNoOutput = errors.New("no output produced")

// Worker implements jobs.Processor: it runs one job from extracted frames to a terminal status.
type Worker struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Generator mesh.Generator
	Collector *collector.Collector
	Workspace *storage.Workspace

	client *http.Client
	active sync.Map // job id -> struct{}
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, gen mesh.Generator, coll *collector.Collector, ws *storage.Workspace) *Worker {
	return &Worker{
		Log:       log,
		Cfg:       cfg,
		Store:     store,
		Generator: gen,
		Collector: coll,
		Workspace: ws,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Process never leaves the job queued or running: every failure, including a panic, ends in
// the error status. The returned error is informational for the queue's log.
func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) (err error) {
	log := w.Log.With("job_id", item.JobID)
	start := time.Now()
	w.active.Store(item.JobID, struct{}{})
	defer w.active.Delete(item.JobID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
			log.Error("panic while processing job", "panic", r, "stack", string(debug.Stack()))
			w.finishWithError(ctx, item, start, err)
		}
	}()

	if _, err := w.Store.Update(item.JobID, jobs.ToRunning()); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			w.discard(log, item.JobID)
		}
		return fmt.Errorf("update status to running: %w", err)
	}

	count, err := frames.Count(item.InputDir)
	if err != nil {
		w.finishWithError(ctx, item, start, err)
		return err
	}
	if count < w.Cfg.Jobs.MinFrames {
		err := fmt.Errorf("%w: video too short: %d frames, at least %d are required", jobs.ErrInvalidInput, count, w.Cfg.Jobs.MinFrames)
		w.finishWithError(ctx, item, start, err)
		return err
	}
	if count > w.Cfg.Jobs.MaxFrames {
		log.Warn("more frames than supported, only the first are used", "frames", count, "max", w.Cfg.Jobs.MaxFrames)
	}

	fast, lowMemory := item.Options.Profile.Knobs()
	req := mesh.Request{
		InputDir:  item.InputDir,
		OutputDir: item.OutputDir,
		Fast:      fast,
		LowMemory: lowMemory,
	}
	if item.Options.CompositeExport {
		if w.Cfg.Mesh.BlenderPath == "" {
			log.Info("composite export requested but mesh.blenderPath is not configured, skipping it")
		} else {
			req.BlenderPath = w.Cfg.Mesh.BlenderPath
		}
	}

	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.Cfg.Mesh.Timeout > 0 {
		genCtx, cancel = mesh.WithTimeout(ctx, w.Cfg.Mesh.Timeout)
	}
	log.Info("running mesh generator", "frames", count, "profile", item.Options.Profile, "composite", req.BlenderPath != "")
	err = w.Generator.Generate(genCtx, req)
	cancel()
	if err != nil {
		w.finishWithError(ctx, item, start, err)
		return err
	}

	res, err := w.Collector.Collect(item.OutputDir)
	if err != nil {
		w.finishWithError(ctx, item, start, fmt.Errorf("collect outputs: %w", err))
		return err
	}
	if res.Empty() {
		w.finishWithError(ctx, item, start, errNoOutput)
		return errNoOutput
	}

	job, err := w.Store.Update(item.JobID, jobs.ToFinished(res))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			w.discard(log, item.JobID)
		}
		return fmt.Errorf("save result: %w", err)
	}
	metrics.ObserveJobCompleted(string(job.Status), time.Since(start))
	log.Info("job finished", "items", len(res.Items), "composite", res.Composite != nil, "preview", res.Preview != nil)

	if item.CallbackURL != nil && *item.CallbackURL != "" {
		cbErr := w.notify(ctx, *item.CallbackURL, callbackPayload{
			JobID:  item.JobID,
			Status: common.StatusFinished,
			Result: job.Result,
		})
		if cbErr != nil {
			log.Warn("callback failed after retries", "err", cbErr)
		}
	}
	return nil
}

// Busy reports whether the job is currently being processed.
func (w *Worker) Busy(id string) bool {
	_, ok := w.active.Load(id)
	return ok
}

func (w *Worker) finishWithError(ctx context.Context, item jobs.WorkItem, start time.Time, cause error) {
	log := w.Log.With("job_id", item.JobID)
	msg := truncateDiagnostic(cause.Error(), int(w.Cfg.Mesh.DiagnosticLimit.Int64()))
	if _, err := w.Store.Update(item.JobID, jobs.ToError(msg)); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			w.discard(log, item.JobID)
			return
		}
		log.Error("save job error", "err", err, "cause", cause)
		return
	}
	metrics.ObserveJobCompleted(string(jobs.StatusError), time.Since(start))
	log.Warn("job failed", "err", msg)

	if item.CallbackURL != nil && *item.CallbackURL != "" {
		cbErr := w.notify(ctx, *item.CallbackURL, callbackPayload{
			JobID:  item.JobID,
			Status: common.StatusError,
			Error:  &msg,
		})
		if cbErr != nil {
			log.Warn("callback failed after retries", "err", cbErr)
		}
	}
}

// discard removes the workspace of a job whose record was deleted or swept while it ran.
func (w *Worker) discard(log *slog.Logger, id string) {
	log.Info("job record disappeared, discarding its files")
	if w.Workspace == nil {
		return
	}
	if err := w.Workspace.Remove(id); err != nil {
		log.Warn("remove job files", "err", err)
	}
}

// truncateDiagnostic keeps at most limit bytes from the tail of s, where tools usually print the
// actual failure. The cut never splits a UTF-8 sequence.
func truncateDiagnostic(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const marker = "...(truncated) "
	keep := limit
	prefix := ""
	if limit > len(marker) {
		keep = limit - len(marker)
		prefix = marker
	}
	cut := len(s) - keep
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return prefix + s[cut:]
}

type callbackPayload struct {
	JobID  string       `json:"id"`
	Status string       `json:"status"` // finished|error
	Error  *string      `json:"error,omitempty"`
	Result *jobs.Result `json:"result,omitempty"`
}

// callbackTimeout bounds delivery once the job's own context is gone, e.g. during shutdown.
const callbackTimeout = 10 * time.Second

// notify delivers payload to url, retrying with a linear backoff. It outlives a cancelled job
// context for at most callbackTimeout so failures during shutdown are still reported.
func (w *Worker) notify(ctx context.Context, url string, payload callbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
		defer cancel()
	}

	attempts := w.Cfg.Server.CallbackRetries
	if attempts <= 0 {
		attempts = 3
	}
	backoff := w.Cfg.Server.CallbackBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err = w.deliver(ctx, url, body)
		if err == nil || attempt >= attempts {
			return err
		}
		w.Log.Debug("callback attempt failed", "job_id", payload.JobID, "attempt", attempt, "err", err)
		t := time.NewTimer(time.Duration(attempt) * backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func (w *Worker) deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("callback answered %s", resp.Status)
	}
	return nil
}
