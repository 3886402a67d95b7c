package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/secrets"
)

// RunStore is the subset of database.DB the handlers use
type RunStore interface {
	CreateRun(ctx context.Context, run *models.FlowRun) error
	SetTemporalIDs(ctx context.Context, id, workflowID, runID string) error
	GetRun(ctx context.Context, id string) (*models.FlowRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.FlowRun, error)
	CompleteRun(ctx context.Context, result *models.FlowResult) error
}

// WorkflowClient starts, cancels and queries flow workflows
type WorkflowClient interface {
	Start(ctx context.Context, input models.FlowInput) (workflowID, runID string, err error)
	Cancel(ctx context.Context, workflowID, runID string) error
	Progress(ctx context.Context, workflowID, runID string) (models.FlowResult, error)
}

// Options holds request defaults
type Options struct {
	Target         models.NavigationTarget
	Headless       bool
	TimeoutSeconds int
	StreamInterval time.Duration
}

// Handlers contains API handlers
type Handlers struct {
	db        RunStore
	workflows WorkflowClient
	opts      Options
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandlers creates new API handlers. db may be nil, in which case run
// endpoints answer 503.
func NewHandlers(db RunStore, workflows WorkflowClient, opts Options, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 500 * time.Millisecond
	}
	return &Handlers{
		db:        db,
		workflows: workflows,
		opts:      opts,
		logger:    logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Health reports liveness
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==================== Run Handlers ====================

// StartRun creates a run record and starts its workflow
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := secrets.ValidateProfile(req.Profile); err != nil {
		http.Error(w, "Invalid profile: "+err.Error(), http.StatusBadRequest)
		return
	}
	target := req.Target
	if target.URL == "" {
		target = h.opts.Target
	}
	if err := target.Validate(); err != nil {
		http.Error(w, "Invalid target: "+err.Error(), http.StatusBadRequest)
		return
	}
	headless := h.opts.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run := &models.FlowRun{
		ID:          uuid.New().String(),
		Profile:     req.Profile,
		TargetURL:   target.URL,
		Expectation: target.Expect.String(),
		Status:      models.StatusPending,
	}
	if err := h.db.CreateRun(ctx, run); err != nil {
		http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	input := models.FlowInput{
		RunID:    run.ID,
		Profile:  req.Profile,
		Target:   target,
		Headless: headless,
		Timeout:  h.opts.TimeoutSeconds,
	}
	workflowID, temporalRunID, err := h.workflows.Start(ctx, input)
	if err != nil {
		if cerr := h.db.CompleteRun(ctx, &models.FlowResult{
			RunID:        run.ID,
			Status:       models.StatusFailed,
			ErrorMessage: "failed to start workflow: " + err.Error(),
		}); cerr != nil {
			h.logger.Warn("Failed to mark run failed", zap.String("run_id", run.ID), zap.Error(cerr))
		}
		http.Error(w, "Failed to start workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.db.SetTemporalIDs(ctx, run.ID, workflowID, temporalRunID); err != nil {
		h.logger.Warn("Failed to store workflow ids", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.TemporalWorkflowID = workflowID
	run.TemporalRunID = temporalRunID

	h.logger.Info("Run started", zap.String("run_id", run.ID), zap.String("profile", run.Profile), zap.String("workflow_id", workflowID))
	respondJSON(w, http.StatusAccepted, run)
}

// ListRuns lists recent runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.db.ListRuns(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, runs)
}

// GetRun retrieves a run with its state timeline
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.db.GetRun(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, run)
}

// CancelRun requests cancellation of a running workflow. The workflow
// tears the browser session down and records the canceled result itself.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.db.GetRun(ctx, id)
	if err != nil || run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.Status.Finished() {
		http.Error(w, "Run already finished", http.StatusConflict)
		return
	}
	if run.TemporalWorkflowID == "" {
		http.Error(w, "Run has no workflow", http.StatusConflict)
		return
	}

	if err := h.workflows.Cancel(ctx, run.TemporalWorkflowID, run.TemporalRunID); err != nil {
		http.Error(w, "Failed to cancel workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("Run cancel requested", zap.String("run_id", id))
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// StreamRunUpdates streams run updates via WebSocket until the run finishes
func (h *Handlers) StreamRunUpdates(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	ticker := time.NewTicker(h.opts.StreamInterval)
	defer ticker.Stop()

	var last runUpdate
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update, err := h.snapshot(ctx, runID)
			if err != nil {
				if errors.Is(err, errRunNotFound) {
					_ = conn.WriteJSON(models.WSMessage{Type: "error", Payload: map[string]string{"error": "run not found"}})
					return
				}
				continue
			}

			if first || update.changed(last) {
				if err := conn.WriteJSON(models.WSMessage{Type: "run_update", Payload: update}); err != nil {
					return
				}
				last = update
				first = false
			}
			if update.Status.Finished() {
				return
			}
		}
	}
}

var errRunNotFound = errors.New("run not found")

type runUpdate struct {
	RunID        string               `json:"run_id"`
	Status       models.RunStatus     `json:"status"`
	SessionState models.SessionState  `json:"session_state,omitempty"`
	FailedStep   string               `json:"failed_step,omitempty"`
	ErrorKind    string               `json:"error_kind,omitempty"`
	Events       []models.StateChange `json:"events,omitempty"`
}

func (u runUpdate) changed(prev runUpdate) bool {
	return u.Status != prev.Status || u.SessionState != prev.SessionState || len(u.Events) != len(prev.Events)
}

// snapshot reads the stored run, asking Temporal for the final status when
// the store has not caught up yet.
func (h *Handlers) snapshot(ctx context.Context, runID string) (runUpdate, error) {
	if h.db == nil {
		return runUpdate{}, errRunNotFound
	}
	run, err := h.db.GetRun(ctx, runID)
	if err != nil {
		return runUpdate{}, err
	}
	if run == nil {
		return runUpdate{}, errRunNotFound
	}
	update := runUpdate{
		RunID:        run.ID,
		Status:       run.Status,
		SessionState: run.SessionState,
		FailedStep:   run.FailedStep,
		ErrorKind:    run.ErrorKind,
		Events:       run.Events,
	}
	if !run.Status.Finished() && run.TemporalWorkflowID != "" && h.workflows != nil {
		if progress, err := h.workflows.Progress(ctx, run.TemporalWorkflowID, run.TemporalRunID); err == nil && progress.Status.Finished() {
			update.Status = progress.Status
			update.FailedStep = progress.FailedStep
			update.ErrorKind = progress.ErrorKind
		}
	}
	return update, nil
}

// ==================== Helpers ====================

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
