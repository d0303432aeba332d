package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jo-hoe/meshd/internal/collector"
	"github.com/jo-hoe/meshd/internal/common"
	"github.com/jo-hoe/meshd/internal/config"
	"github.com/jo-hoe/meshd/internal/jobs"
	"github.com/jo-hoe/meshd/internal/metrics"
	"github.com/jo-hoe/meshd/internal/processor"
	"github.com/jo-hoe/meshd/internal/storage"
	"github.com/jo-hoe/meshd/internal/util"
)

// FrameExtractor stages a video as numbered frames; *frames.Extractor satisfies it.
type FrameExtractor interface {
	Extract(ctx context.Context, videoPath, outDir string) (int, error)
}

// Capacity reports execution slot usage; *jobs.Queue satisfies it.
type Capacity interface {
	Slots() int
	BusySlots() int
	Len() int
}

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Pipeline  *processor.Pipeline
	Workspace *storage.Workspace
	Frames    FrameExtractor
	Metrics   *metrics.Middleware // optional
	Capacity  Capacity            // optional, reported by the health endpoint
}

const maxJSONBody = 1 << 20

// NewRouter builds the chi router with routes and middleware.
func NewRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, requestLogger(svc.Log), middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: svc.Cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	if svc.Metrics != nil {
		r.Use(svc.Metrics.Handler)
	}

	r.Get(common.PathHealthz, svc.handleHealthz)
	r.Handle(common.PathMetrics, metrics.Handler())

	r.Route(common.PathJobs, func(r chi.Router) {
		r.Post("/", svc.handleCreateJob)
		r.Get("/", svc.handleListJobs)
		r.Get("/{id}", svc.handleGetJob)
		r.Delete("/{id}", svc.handleDeleteJob)
	})
	r.Get(common.PathOutputs+"/{id}/{artifact}", svc.handleGetArtifact)
	return r
}

// NewHTTPServer wraps the router in an http.Server configured from Cfg.Server.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      NewRouter(svc),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

type healthOut struct {
	Status    string `json:"status"`
	Slots     *int   `json:"slots,omitempty"`
	BusySlots *int   `json:"busy_slots,omitempty"`
	Queued    *int   `json:"queued,omitempty"`
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := healthOut{Status: "ok"}
	if svc.Capacity != nil {
		slots, busy, queued := svc.Capacity.Slots(), svc.Capacity.BusySlots(), svc.Capacity.Len()
		out.Slots, out.BusySlots, out.Queued = &slots, &busy, &queued
	}
	writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	VideoURL        string `json:"video_url"`
	Profile         string `json:"profile"`
	Mode            string `json:"mode"`
	CompositeExport *bool  `json:"composite_export"`
	BlenderExport   *bool  `json:"blender_export"`
	CallbackURL     string `json:"callback_url"`
}

type createResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	maxUpload := svc.Cfg.Server.MaxUploadSize.Int64()
	var (
		req        createRequest
		fileHeader *multipart.FileHeader
	)

	if isJSON(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		// Leave headroom for the other form fields.
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload+maxJSONBody)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				http.Error(w, (&storage.TooLargeError{Limit: maxUpload}).Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
			fileHeader = fhs[0]
		}
		req.VideoURL = r.FormValue("video_url")
		req.Profile = r.FormValue("profile")
		req.Mode = r.FormValue("mode")
		req.CallbackURL = r.FormValue("callback_url")
		var err error
		if req.CompositeExport, err = parseOptionalBool(r.FormValue("composite_export")); err != nil {
			http.Error(w, "invalid composite_export", http.StatusBadRequest)
			return
		}
		if req.BlenderExport, err = parseOptionalBool(r.FormValue("blender_export")); err != nil {
			http.Error(w, "invalid blender_export", http.StatusBadRequest)
			return
		}
	}

	opts, err := svc.options(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	callbackURL, err := parseCallbackURL(req.CallbackURL)
	if err != nil {
		http.Error(w, "invalid callback_url", http.StatusBadRequest)
		return
	}
	videoURL := strings.TrimSpace(req.VideoURL)
	if fileHeader == nil && videoURL == "" {
		http.Error(w, "file or video_url is required", http.StatusBadRequest)
		return
	}

	jobID := util.NewID()
	log := svc.Log.With("job_id", jobID)
	if err := svc.Workspace.Prepare(jobID); err != nil {
		log.Error("prepare workspace", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// The files belong to the job once its record exists; until then this handler cleans up.
	handedOff := false
	defer func() {
		if !handedOff {
			_ = svc.Workspace.Remove(jobID)
		}
	}()

	var videoPath string
	if fileHeader != nil {
		videoPath, err = svc.Workspace.SaveUpload(jobID, fileHeader, maxUpload)
	} else {
		videoPath, err = svc.Workspace.Download(r.Context(), jobID, videoURL, maxUpload)
	}
	if err != nil {
		http.Error(w, "video staging failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	count, err := svc.Frames.Extract(r.Context(), videoPath, svc.Workspace.InputDir(jobID))
	if err != nil {
		log.Warn("frame extraction failed", "err", err)
		http.Error(w, "frame extraction failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if count < svc.Cfg.Jobs.MinFrames {
		http.Error(w, fmt.Sprintf("video too short: %d frames extracted, at least %d are required", count, svc.Cfg.Jobs.MinFrames), http.StatusBadRequest)
		return
	}

	if _, err := svc.Store.Create(jobID); err != nil {
		log.Error("persist job", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	handedOff = true
	log.Info("job created", "frames", count, "profile", opts.Profile, "composite", opts.CompositeExport)

	err = svc.Pipeline.Submit(jobs.WorkItem{
		JobID:       jobID,
		InputDir:    svc.Workspace.InputDir(jobID),
		OutputDir:   svc.Workspace.OutputDir(jobID),
		Options:     opts,
		CallbackURL: callbackURL,
	})
	if err != nil {
		log.Error("submit job", "err", err)
		http.Error(w, "job could not be scheduled, try later", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{ID: jobID, Status: jobs.StatusQueued})
}

func (svc *Service) options(req createRequest) (jobs.Options, error) {
	name := req.Profile
	if strings.TrimSpace(name) == "" {
		name = req.Mode
	}
	profile, err := jobs.ParseProfile(name, svc.Cfg.DefaultProfile())
	if err != nil {
		return jobs.Options{}, err
	}
	composite := req.CompositeExport
	if composite == nil {
		composite = req.BlenderExport
	}
	return jobs.Options{Profile: profile, CompositeExport: composite != nil && *composite}, nil
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter *jobs.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := jobs.ParseStatus(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = &st
	}
	limit := common.DefaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := svc.Store.List(filter, limit)
	if err != nil {
		svc.Log.Error("list jobs", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]jobOut, 0, len(list))
	for _, job := range list {
		out = append(out, toJobOut(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// jobID returns the {id} path parameter. Anything that is not a generated id cannot name a
// job, so it is answered with 404 before the store or the workspace is touched.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return "", false
	}
	return id, true
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Store.Get(id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobOut(job))
}

func (svc *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := svc.Pipeline.Remove(id); err != nil {
		if errors.Is(err, jobs.ErrIllegalTransition) {
			http.Error(w, "cannot delete a running job", http.StatusBadRequest)
			return
		}
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (svc *Service) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "artifact"))
	if err != nil || !storage.ValidArtifactName(name) {
		http.Error(w, "invalid artifact name", http.StatusBadRequest)
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Store.Get(id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if job.Status != jobs.StatusFinished || job.Result == nil {
		http.Error(w, "job not finished", http.StatusNotFound)
		return
	}

	var filePath string
	if name == common.MeshArchiveName {
		if len(job.Result.Items) == 0 {
			http.Error(w, "no meshes available", http.StatusNotFound)
			return
		}
		names := make([]string, 0, len(job.Result.Items))
		for _, it := range job.Result.Items {
			names = append(names, it.Name)
		}
		filePath, err = svc.Workspace.MeshArchive(id, names)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"_"+common.MeshArchiveName))
	} else {
		if !resultHas(job.Result, name) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		filePath, err = svc.Workspace.ArtifactPath(id, name)
	}
	if err != nil {
		if errors.Is(err, storage.ErrArtifactMissing) || errors.Is(err, os.ErrNotExist) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("resolve artifact", "job_id", id, "artifact", name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath) // #nosec G304 - path resolved inside the job's workspace
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(common.HeaderContentType, collector.ContentType(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func resultHas(res *jobs.Result, name string) bool {
	for _, a := range res.Items {
		if a.Name == name {
			return true
		}
	}
	return (res.Composite != nil && res.Composite.Name == name) || (res.Preview != nil && res.Preview.Name == name)
}

func (svc *Service) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	svc.Log.Error("job store", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type artifactOut struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type resultOut struct {
	Items      []artifactOut `json:"items"`
	Composite  *artifactOut  `json:"composite,omitempty"`
	Preview    *artifactOut  `json:"preview,omitempty"`
	ArchiveURL string        `json:"archive_url,omitempty"`
}

type jobOut struct {
	ID          string      `json:"id"`
	Status      jobs.Status `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      *resultOut  `json:"result,omitempty"`
}

func artifactURL(id, name string) string {
	return path.Join(common.PathOutputs, id, url.PathEscape(name))
}

func toArtifactOut(id string, a *jobs.Artifact) *artifactOut {
	if a == nil {
		return nil
	}
	return &artifactOut{Name: a.Name, URL: artifactURL(id, a.Name), ContentType: a.ContentType}
}

func toJobOut(job *jobs.Job) jobOut {
	out := jobOut{
		ID:          job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	}
	if job.Result != nil {
		res := &resultOut{
			Items:     make([]artifactOut, 0, len(job.Result.Items)),
			Composite: toArtifactOut(job.ID, job.Result.Composite),
			Preview:   toArtifactOut(job.ID, job.Result.Preview),
		}
		for i := range job.Result.Items {
			res.Items = append(res.Items, *toArtifactOut(job.ID, &job.Result.Items[i]))
		}
		if len(res.Items) > 0 {
			res.ArchiveURL = artifactURL(job.ID, common.MeshArchiveName)
		}
		out.Result = res
	}
	return out
}

func isJSON(r *http.Request) bool {
	ct := strings.ToLower(r.Header.Get(common.HeaderContentType))
	return strings.HasPrefix(ct, common.ContentTypeJSON)
}

// writeJSON renders v before touching the response so an encoding failure still yields a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(common.HeaderContentType, common.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// parseCallbackURL accepts an empty value or an absolute http(s) URL.
func parseCallbackURL(s string) (*string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil, nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("callback_url must be an absolute http(s) URL")
	}
	return &v, nil
}

func parseOptionalBool(s string) (*bool, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
