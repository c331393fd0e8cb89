package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openpayroll/shrike/internal/domain"
	"github.com/openpayroll/shrike/internal/engine"
	"github.com/openpayroll/shrike/internal/reasons"
	"github.com/openpayroll/shrike/internal/scheduler"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	reasoner *reasons.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, sched *scheduler.Scheduler, reasoner *reasons.Engine, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		engine:   eng,
		sched:    sched,
		reasoner: reasoner,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		version:  version,
	}
}

// TriggerScan handles POST /scan. Manual scans go through the same
// single-flight gate as scheduled ones and restart the countdown.
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.engine.ModelReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "detection model is not trained yet",
		})
		return
	}

	result, err := h.engine.Scan(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrScanInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "a scan is already in progress",
			})
			return
		}
		slog.Error("scan failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scan failed: " + err.Error(),
		})
		return
	}

	if h.sched != nil {
		h.sched.ResetCountdown()
	}

	writeJSON(w, http.StatusOK, result)
}

// ScanStatusResponse is the response for GET /scan/status.
type ScanStatusResponse struct {
	Scanning      bool `json:"scanning"`
	ModelReady    bool `json:"modelReady"`
	AutoScan      bool `json:"autoScan"`
	IntervalSecs  int  `json:"intervalSecs"`
	RemainingSecs int  `json:"remainingSecs"`
}

// ScanStatus handles GET /scan/status.
func (h *Handler) ScanStatus(w http.ResponseWriter, r *http.Request) {
	resp := ScanStatusResponse{
		Scanning:   h.engine.Scanning(),
		ModelReady: h.engine.ModelReady(),
	}
	if h.sched != nil {
		st := h.sched.GetStatus()
		resp.AutoScan = st.Enabled
		resp.IntervalSecs = st.IntervalSecs
		resp.RemainingSecs = st.RemainingSecs
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetSchedule handles POST /scan/schedule to toggle automatic scanning.
func (h *Handler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "scheduler not available",
		})
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Enabled {
		h.sched.Enable()
	} else {
		h.sched.Disable()
	}

	slog.Info("auto-scan toggled", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, h.sched.GetStatus())
}

// ListAnomalies handles GET /anomalies.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	records := h.engine.Records()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// GetAnomaly handles GET /anomalies/{id}.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")
	if recordID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "record id is required",
		})
		return
	}

	rec, err := h.engine.GetRecord(recordID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "anomaly record not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ResolveRequest is the request body for POST /anomalies/{id}/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution"` // "confirmed" or "review_dismissed"
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// ResolveAnomaly handles POST /anomalies/{id}/resolve.
func (h *Handler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordID := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := h.engine.Resolve(ctx, recordID, domain.AnomalyStatus(req.Resolution), req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidResolution):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		case errors.Is(err, engine.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "anomaly record not found",
			})
		default:
			slog.Error("failed to resolve anomaly", "id", recordID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to resolve anomaly",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetSummary handles GET /summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Summary())
}

// GetReputation handles GET /reputation.
func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	scores := h.engine.Reputation()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scores": scores,
		"count":  len(scores),
	})
}

// GetBlocked handles GET /employees/{id}/blocked. This is the
// withdrawal-veto check.
func (h *Handler) GetBlocked(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "id")
	if employeeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "employee id is required",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"employeeId": employeeID,
		"blocked":    h.engine.IsEmployeeBlocked(employeeID),
	})
}

// ListBlocked handles GET /employees/blocked.
func (h *Handler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	blocked := h.engine.BlockedEmployees()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked": blocked,
		"count":   len(blocked),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. The
// server is not ready until the detection model has been trained.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.engine.ModelReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "detection model is not trained yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded reason rules from the engine.
// Rules are loaded at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.reasoner.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a reason rule by ID from the loaded rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.reasoner.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a reason rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule creates a new reason rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Expression == "" || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, expression, and reason are required",
		})
		return
	}

	rule := &domain.ReasonRuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Order:       req.Order,
		Expression:  req.Expression,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression before persisting
	if err := h.reasoner.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveReasonRule(ctx, tenantID, rule); err != nil {
			slog.Error("failed to save reason rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("reason rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads reason rules from the database into the engine.
// Built-in rules stay loaded; database rules are layered on top, so a
// tenant can override a built-in by reusing its ID.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListReasonRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list reason rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	merged := mergeRules(reasons.BuiltinRules(), dbRules)

	if err := h.reasoner.ReloadRules(merged); err != nil {
		slog.Error("failed to reload reason rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("reason rules reloaded", "builtin", len(merged)-len(dbRules), "database", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   h.reasoner.RulesCount(),
	})
}

// mergeRules overlays database rules on the built-ins by ID.
func mergeRules(builtin, db []*domain.ReasonRuleConfig) []*domain.ReasonRuleConfig {
	overridden := make(map[string]bool, len(db))
	for _, rule := range db {
		overridden[rule.ID] = true
	}

	merged := make([]*domain.ReasonRuleConfig, 0, len(builtin)+len(db))
	for _, rule := range builtin {
		if !overridden[rule.ID] {
			merged = append(merged, rule)
		}
	}
	return append(merged, db...)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
