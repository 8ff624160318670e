// Package server exposes the analysis pipeline over HTTP: runs are started
// with POST /analyze, polled on /progress/{run} and fetched from
// /result/{run}. Drawings arrive either as an S3 reference or as a direct
// multipart upload.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/engine"
	"github.com/local/drawingfusion/internal/metrics"
	"github.com/local/drawingfusion/internal/statuscheck"
	"github.com/local/drawingfusion/internal/storage"
	"github.com/local/drawingfusion/internal/store"
)

const maxUploadBytes = 256 << 20

// Runner executes the analysis pipeline for one drawing.
type Runner interface {
	Run(ctx context.Context, runID string, input []byte, page int) (*engine.RunResult, error)
}

// StatusStore persists run lifecycle state.
type StatusStore interface {
	Set(ctx context.Context, runID string, st store.Status) error
	Get(ctx context.Context, runID string) (store.Status, bool, error)
}

// RunStore persists results, per-tile outcomes and cancellation marks.
type RunStore interface {
	SaveResult(ctx context.Context, runID string, payload []byte) error
	GetResult(ctx context.Context, runID string) ([]byte, bool, error)
	GetTileOutcome(ctx context.Context, runID, tile string) (state string, errMsg string, ok bool, err error)
	CancelRun(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)
	ClearCancel(ctx context.Context, runID string) error
}

// ObjectStorage moves drawings and results through S3. Nil disables the
// file_path flow; uploads still work.
type ObjectStorage interface {
	DownloadDrawing(ctx context.Context, key, password string) ([]byte, *storage.FileMetadata, error)
	UploadResult(ctx context.Context, key string, data []byte, password string, metadata *storage.FileMetadata) error
}

type Dependencies struct {
	Engine  Runner
	Status  StatusStore
	Runs    RunStore
	Storage ObjectStorage
	Checker *statuscheck.Checker
}

type Server struct {
	deps Dependencies
}

func New(deps Dependencies) *Server {
	return &Server{deps: deps}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/progress/", s.handleProgress)
	mux.HandleFunc("/result/", s.handleResult)
	mux.HandleFunc("/webhook/cancel_run", s.handleCancelRun)
}

type analyzeReq struct {
	FilePath string `json:"file_path"`
	Password string `json:"password"`
	Page     int    `json:"page"`
}

type analyzeResp struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		input    []byte
		source   string
		page     int
		password string
		err      error
	)

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		input, source, err = readUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Sscan(r.FormValue("page"), &page)
	default:
		defer r.Body.Close()
		var req analyzeReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.FilePath == "" {
			http.Error(w, "missing file_path", http.StatusBadRequest)
			return
		}
		if s.deps.Storage == nil {
			http.Error(w, "object storage not configured", http.StatusServiceUnavailable)
			return
		}
		key := strings.TrimPrefix(req.FilePath, "s3://")
		if i := strings.Index(key, "/"); strings.HasPrefix(req.FilePath, "s3://") && i > 0 {
			key = key[i+1:]
		}
		input, _, err = s.deps.Storage.DownloadDrawing(r.Context(), key, req.Password)
		if err != nil {
			log.Error().Err(err).Str("file", req.FilePath).Msg("drawing download failed")
			http.Error(w, "failed to fetch drawing", http.StatusBadGateway)
			return
		}
		source = key
		page = req.Page
		password = req.Password
	}

	runID := uuid.NewString()
	now := time.Now()
	_ = s.deps.Status.Set(r.Context(), runID, store.Status{
		Status: store.StateQueued, Progress: 0, Message: "queued", Start: &now,
		Metadata: map[string]any{"source": source, "size": len(input)},
	})
	log.Info().Str("run_id", runID).Str("source", source).Int("size", len(input)).Msg("run created")

	go s.execute(runID, input, page, source, password)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(analyzeResp{Status: "ok", RunID: runID, Message: "analysis run created"})
}

func readUpload(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, "", fmt.Errorf("invalid multipart form")
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("missing file field")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read upload")
	}
	return data, hdr.Filename, nil
}

// execute drives one run in the background. The run context is cancelled
// when a cancellation mark shows up in Redis, so in-flight provider calls
// stop instead of burning quota for a dead run.
func (s *Server) execute(runID string, input []byte, page int, source, password string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopWatch := s.watchCancellation(ctx, runID, cancel)
	defer stopWatch()

	res, err := s.deps.Engine.Run(ctx, runID, input, page)
	if err != nil {
		// engine has already set the terminal status
		log.Warn().Err(err).Str("run_id", runID).Msg("run did not complete")
		_ = s.deps.Runs.ClearCancel(context.Background(), runID)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("result marshal failed")
		return
	}
	bg := context.Background()
	if err := s.deps.Runs.SaveResult(bg, runID, payload); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("result save failed")
	}
	if s.deps.Storage != nil && source != "" {
		key := fmt.Sprintf("results/%s/%s.json", runID, strings.TrimSuffix(source, ".pdf"))
		meta := &storage.FileMetadata{OriginalName: source, ContentType: "application/json"}
		if err := s.deps.Storage.UploadResult(bg, key, payload, password, meta); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Str("key", key).Msg("result upload failed")
		}
	}
}

// watchCancellation polls the cancellation set and cancels the run context
// when the run is marked. Returns a stop func.
func (s *Server) watchCancellation(ctx context.Context, runID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				cancelled, err := s.deps.Runs.IsCancelled(ctx, runID)
				if err == nil && cancelled {
					log.Info().Str("run_id", runID).Msg("cancellation requested, stopping run")
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/progress/")
	if id == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}
	st, ok, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"run_id":     id,
		"status":     st.Status,
		"progress":   st.Progress,
		"message":    st.Message,
		"start_time": st.Start,
		"end_time":   st.End,
		"done":       st.Status == store.StateCompleted || st.Status == store.StatePartial,
	}

	// ?tile=r0c0 drills into one tile's recorded outcome
	if tile := r.URL.Query().Get("tile"); tile != "" {
		state, errMsg, ok, err := s.deps.Runs.GetTileOutcome(r.Context(), id, tile)
		if err != nil {
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		tileResp := map[string]any{"id": tile, "recorded": ok}
		if ok {
			tileResp["state"] = state
			if errMsg != "" {
				tileResp["error"] = errMsg
			}
		}
		resp["tile"] = tileResp
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/result/")
	if id == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}
	st, ok, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if st.Status != store.StateCompleted && st.Status != store.StatePartial {
		http.Error(w, "not ready", http.StatusAccepted)
		return
	}
	payload, ok, err := s.deps.Runs.GetResult(r.Context(), id)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "result not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

type cancelReq struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	if err := s.deps.Runs.CancelRun(r.Context(), req.RunID); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	st, ok, _ := s.deps.Status.Get(r.Context(), req.RunID)
	if !ok {
		st = store.Status{}
	}
	st.Status = store.StateCancelled
	if req.Reason != "" {
		st.Message = fmt.Sprintf("Cancelled: %s", req.Reason)
	} else {
		st.Message = "Cancelled"
	}
	now := time.Now()
	st.End = &now
	_ = s.deps.Status.Set(r.Context(), req.RunID, st)
	log.Info().Str("run_id", req.RunID).Str("reason", req.Reason).Msg("run cancelled")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "run_id": req.RunID, "status": store.StateCancelled})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	summary := s.deps.Checker.Summary(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !summary.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(summary)
}
