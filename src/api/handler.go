package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/models"
	"github.com/Toss-Online-Services/pgoptimizer/src/scheduler"
)

// Scheduler is the part of the optimization scheduler the API reads from
type Scheduler interface {
	State() scheduler.State
	LastReport() *scheduler.CycleReport
	NextRun() time.Time
	Analyze(ctx context.Context) (*models.PerformanceAnalysisResult, error)
}

// Database reports the health of the monitored database connection
type Database interface {
	HealthCheck(ctx context.Context) error
	PoolStats() map[string]interface{}
}

// QueryAnalyzer parses statement text
type QueryAnalyzer interface {
	Analyze(query string) (*models.QueryAnalysis, error)
}

// ServerInfoFunc returns a fresh snapshot of the monitored server
type ServerInfoFunc func(ctx context.Context) (*models.ServerInfo, error)

// DefaultAnalysisTimeout bounds POST /api/v1/analyze, including the wait for
// a running cycle.
const DefaultAnalysisTimeout = 2 * time.Minute

// Handler handles API requests
type Handler struct {
	scheduler     Scheduler
	database      Database
	queryAnalyzer QueryAnalyzer
	serverInfo    ServerInfoFunc
	log           *logrus.Logger

	analysisTimeout time.Duration
}

// NewHandler creates a new API handler
func NewHandler(
	scheduler Scheduler,
	database Database,
	queryAnalyzer QueryAnalyzer,
	serverInfo ServerInfoFunc,
	log *logrus.Logger,
) *Handler {
	return &Handler{
		scheduler:     scheduler,
		database:      database,
		queryAnalyzer: queryAnalyzer,
		serverInfo:    serverInfo,
		log:           log,

		analysisTimeout: DefaultAnalysisTimeout,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Health check
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/ready", h.ReadinessCheck).Methods("GET")

	// Last cycle
	r.HandleFunc("/api/v1/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/v1/analysis", h.GetAnalysis).Methods("GET")
	r.HandleFunc("/api/v1/recommendations", h.GetRecommendations).Methods("GET")
	r.HandleFunc("/api/v1/slow-queries", h.GetSlowQueries).Methods("GET")
	r.HandleFunc("/api/v1/maintenance", h.GetMaintenance).Methods("GET")

	// On demand
	r.HandleFunc("/api/v1/server", h.GetServer).Methods("GET")
	r.HandleFunc("/api/v1/analyze", h.RunAnalysis).Methods("POST")
	r.HandleFunc("/api/v1/queries/analyze", h.AnalyzeQuery).Methods("POST")
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "ok",
	}
	h.respondJSON(w, http.StatusOK, response)
}

// ReadinessCheck reports ready once the database answers a ping
func (h *Handler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	statusCode := http.StatusOK

	response := map[string]interface{}{
		"pool": h.database.PoolStats(),
	}
	if err := h.database.HealthCheck(r.Context()); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		response["error"] = err.Error()
	}
	response["status"] = status

	h.respondJSON(w, statusCode, response)
}

// StatusResponse summarizes the scheduler and its last cycle
type StatusResponse struct {
	State     scheduler.State `json:"state"`
	NextRun   *time.Time      `json:"next_run,omitempty"`
	LastCycle *CycleSummary   `json:"last_cycle,omitempty"`
}

// CycleSummary is the short form of a cycle report
type CycleSummary struct {
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Score      *int      `json:"score,omitempty"`
	Threshold  int       `json:"threshold"`
	Optimized  bool      `json:"optimized"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// GetStatus returns the scheduler state and a summary of the last cycle
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{State: h.scheduler.State()}

	if next := h.scheduler.NextRun(); !next.IsZero() {
		response.NextRun = &next
	}

	if last := h.scheduler.LastReport(); last != nil {
		summary := &CycleSummary{
			CycleID:    last.CycleID,
			StartedAt:  last.StartedAt,
			FinishedAt: last.FinishedAt,
			Threshold:  last.Threshold,
			Optimized:  last.Optimized,
			SkipReason: last.SkipReason,
			Error:      last.Error,
		}
		if last.Analysis != nil {
			score := last.Analysis.OverallScore
			summary.Score = &score
		}
		response.LastCycle = summary
	}

	h.respondJSON(w, http.StatusOK, response)
}

// GetAnalysis returns the analysis of the last cycle
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, ok := h.lastAnalysis(w)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, analysis)
}

// GetRecommendations returns the index recommendations of the last cycle
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	analysis, ok := h.lastAnalysis(w)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, analysis.IndexRecommendations)
}

// GetSlowQueries returns the slow queries of the last cycle
func (h *Handler) GetSlowQueries(w http.ResponseWriter, r *http.Request) {
	analysis, ok := h.lastAnalysis(w)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, models.SlowQueryReport{
		Available: analysis.QueryStatsAvailable,
		Queries:   analysis.SlowQueries,
	})
}

// GetMaintenance returns the maintenance report of the last cycle that ran
// maintenance.
func (h *Handler) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	last := h.scheduler.LastReport()
	if last == nil || last.Maintenance == nil {
		h.respondError(w, http.StatusNotFound, "No maintenance has run in the last cycle")
		return
	}
	h.respondJSON(w, http.StatusOK, last.Maintenance)
}

// GetServer returns version, settings and extensions of the server
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	info, err := h.serverInfo(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to inspect server")
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// RunAnalysis runs an analysis now. It never triggers maintenance.
func (h *Handler) RunAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.analysisTimeout)
	defer cancel()

	result, err := h.scheduler.Analyze(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		h.log.WithError(err).Warn("On-demand analysis timed out")
		h.respondError(w, http.StatusServiceUnavailable, "Analysis timed out, a cycle may still be running")
		return
	}
	if err != nil {
		h.log.WithError(err).Error("On-demand analysis failed")
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// AnalyzeQueryRequest represents a query analysis request
type AnalyzeQueryRequest struct {
	Query string `json:"query"`
}

// AnalyzeQuery analyzes a SQL query
func (h *Handler) AnalyzeQuery(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Query == "" {
		h.respondError(w, http.StatusBadRequest, "Query is required")
		return
	}

	analysis, err := h.queryAnalyzer.Analyze(req.Query)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, analysis)
}

func (h *Handler) lastAnalysis(w http.ResponseWriter) (*models.PerformanceAnalysisResult, bool) {
	last := h.scheduler.LastReport()
	if last == nil || last.Analysis == nil {
		h.respondError(w, http.StatusNotFound, "No analysis available yet")
		return nil, false
	}
	return last.Analysis, true
}

// respondJSON sends a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError sends an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]string{
		"error": message,
	}
	h.respondJSON(w, statusCode, response)
}
