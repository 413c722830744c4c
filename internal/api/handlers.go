package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"vetbox/internal/budget"
	"vetbox/internal/engine"
	"vetbox/internal/scheduler"
	"vetbox/internal/storage"
	"vetbox/internal/verdict"
)

// Engine is the analysis surface the handlers use. *engine.Engine
// implements it.
type Engine interface {
	AnalyzeWithBudget(ctx context.Context, content []byte, filename string, override *budget.Budget) (*verdict.Result, error)
	Budget() budget.Budget
	Telemetry() scheduler.Telemetry
	ResetTelemetry()
	Tier2Backend() string
	Store() engine.VerdictStore
}

type Handlers struct {
	engine    Engine
	startTime time.Time
}

func NewHandlers(e Engine) *Handlers {
	return &Handlers{engine: e, startTime: time.Now()}
}

// HandleAnalyze vets the raw request body. The file name comes from the
// X-Filename header or the filename query parameter; preset and timeout
// query parameters override the budget for this request.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return
		}
		writeError(w, "reading body: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	filename := r.Header.Get("X-Filename")
	if filename == "" {
		filename = r.URL.Query().Get("filename")
	}
	filename = filepath.Base(filename)
	if filename == "." || filename == "/" {
		filename = ""
	}

	override, err := h.budgetOverride(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_BUDGET", http.StatusBadRequest, r)
		return
	}

	ctx := engine.WithClient(r.Context(), engine.ClientInfo{
		IP:         clientIP(r),
		APIKeyHash: APIKeyHashFromContext(r.Context()),
	})
	result, err := h.engine.AnalyzeWithBudget(ctx, content, filename, override)
	if err != nil {
		h.writeAnalysisError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) budgetOverride(r *http.Request) (*budget.Budget, error) {
	q := r.URL.Query()
	preset, timeout := q.Get("preset"), q.Get("timeout")
	if preset == "" && timeout == "" {
		return nil, nil
	}

	b := h.engine.Budget()
	if preset != "" {
		p, err := budget.Preset(preset)
		if err != nil {
			return nil, err
		}
		b = p
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, errors.New("invalid timeout: " + err.Error())
		}
		b.Timeout = d
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (h *Handlers) writeAnalysisError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	var ae *engine.AnalysisError
	errors.As(err, &ae)

	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case kind == engine.KindSandboxUnavailable:
		status, code = http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE"
	case kind == engine.KindClosed:
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case kind == engine.KindCancelled:
		status, code = http.StatusRequestTimeout, "CANCELLED"
	case errors.Is(err, budget.ErrInvalidBudget):
		status, code = http.StatusBadRequest, "INVALID_BUDGET"
	}

	log.Error().Err(err).
		Str("kind", kind.String()).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("analysis failed")

	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	if ae != nil {
		resp.Fallback = ae.Fallback
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	t := h.engine.Telemetry()
	writeJSON(w, http.StatusOK, TelemetryResponse{
		Telemetry: t,
		Window:    Duration{Duration: time.Since(t.Since).Round(time.Second)},
	})
}

func (h *Handlers) HandleResetTelemetry(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetTelemetry()
	log.Info().Str("request_id", RequestIDFromContext(r.Context())).Msg("telemetry reset")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleGetVerdict(w http.ResponseWriter, r *http.Request) {
	sum := r.PathValue("sha256")
	if !validSHA256(sum) {
		writeError(w, "sha256 must be 64 hex characters", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	store := h.engine.Store()
	if store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	rec, err := store.GetVerdict(r.Context(), sum)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, "verdict not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	case err != nil:
		log.Error().Err(err).Str("sha256", sum[:16]).Msg("verdict lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleListVerdicts(w http.ResponseWriter, r *http.Request) {
	store := h.engine.Store()
	if store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.VerdictFilter{
		Level: q.Get("level"),
		Stage: q.Get("stage"),
		Limit: 100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, "limit must be 1-1000", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC 3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	recs, err := store.ListVerdicts(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("verdict list failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	store := h.engine.Store()
	dbOK := store == nil || store.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Tier2:    h.engine.Tier2Backend(),
		Database: dbOK,
		Preset:   h.engine.Budget().Preset,
		Uptime:   Duration{Duration: time.Since(h.startTime).Round(time.Second)},
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
