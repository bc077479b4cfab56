package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/service"
)

// Handlers is the HTTP API surface over the classifier.
type Handlers struct {
	logger     *slog.Logger
	classifier *service.Classifier
}

// NewHandlers wires the handler set; a nil logger uses slog.Default.
func NewHandlers(logger *slog.Logger, classifier *service.Classifier) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, classifier: classifier}
}

// Router builds the chi router for the API, including health and metrics.
func (h *Handlers) Router(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.handleHealthz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/classify", h.handleClassify)
		r.Get("/reputation/resolve", h.handleResolvePattern)
		r.Route("/reputation/{patternID}", func(r chi.Router) {
			r.Get("/", h.handleGetReputation)
			r.Post("/block", h.handleBlockPattern)
			r.Post("/allow", h.handleAllowPattern)
			r.Delete("/manual", h.handleClearManual)
		})
	})

	return r
}

type classifyRequest struct {
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	ClientIP  string            `json:"client_ip"`
	UserAgent string            `json:"user_agent"`
}

type actionResponse struct {
	Type         string `json:"type"`
	Status       int    `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Challenge    string `json:"challenge,omitempty"`
}

type classifyResponse struct {
	RequestID      string         `json:"request_id"`
	BotProbability float64        `json:"bot_probability"`
	Confidence     float64        `json:"confidence"`
	RiskBand       string         `json:"risk_band"`
	Action         actionResponse `json:"action"`
	Policy         string         `json:"policy"`
	WavesRun       int            `json:"waves_run"`
	Detectors      []string       `json:"detectors,omitempty"`
	Failed         []string       `json:"failed_detectors,omitempty"`
	ElapsedMS      float64        `json:"elapsed_ms"`
}

func (h *Handlers) handleClassify(w http.ResponseWriter, r *http.Request) {
	var body classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.UserAgent == "" {
		body.UserAgent = body.Headers["user-agent"]
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	headers := make(map[string]string, len(body.Headers))
	for k, v := range body.Headers {
		headers[strings.ToLower(k)] = v
	}

	view := &models.RequestView{
		RequestID:  body.RequestID,
		Method:     body.Method,
		Path:       body.Path,
		Headers:    headers,
		ClientIP:   body.ClientIP,
		UserAgent:  body.UserAgent,
		ReceivedAt: time.Now(),
	}

	decision, err := h.classifier.Classify(r.Context(), view)
	if err != nil {
		h.logger.Warn("classification aborted",
			slog.String("request_id", view.RequestID), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "classification aborted")
		return
	}

	writeJSON(w, http.StatusOK, classifyResponse{
		RequestID:      view.RequestID,
		BotProbability: decision.Evidence.BotProbability,
		Confidence:     decision.Evidence.Confidence,
		RiskBand:       string(decision.Evidence.RiskBand),
		Action: actionResponse{
			Type:         string(decision.Action.Type),
			Status:       decision.Action.Status,
			Reason:       decision.Action.Reason,
			RetryAfterMS: decision.Action.RetryAfter.Milliseconds(),
			Challenge:    decision.Action.ChallengeKind,
		},
		Policy:    decision.Policy,
		WavesRun:  decision.WavesRun,
		Detectors: decision.Evidence.ContributingDetectors,
		Failed:    decision.Evidence.FailedDetectors,
		ElapsedMS: float64(decision.Elapsed.Microseconds()) / 1000,
	})
}

type reputationResponse struct {
	PatternID string    `json:"pattern_id"`
	Type      string    `json:"pattern_type,omitempty"`
	BotScore  float64   `json:"bot_score"`
	Support   float64   `json:"support"`
	State     string    `json:"state"`
	FirstSeen time.Time `json:"first_seen,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	IsManual  bool      `json:"is_manual"`
	Notes     string    `json:"notes,omitempty"`
}

func toReputationResponse(rec models.PatternReputation) reputationResponse {
	return reputationResponse{
		PatternID: rec.PatternID,
		Type:      string(rec.PatternType),
		BotScore:  rec.BotScore,
		Support:   rec.Support,
		State:     string(rec.State),
		FirstSeen: rec.FirstSeen,
		LastSeen:  rec.LastSeen,
		IsManual:  rec.IsManual,
		Notes:     rec.Notes,
	}
}

func (h *Handlers) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")

	rec, err := h.classifier.ReputationByID(r.Context(), patternID)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPattern) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		h.logger.Warn("reputation lookup failed",
			slog.String("pattern_id", patternID), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "reputation store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toReputationResponse(*rec))
}

func (h *Handlers) handleResolvePattern(w http.ResponseWriter, r *http.Request) {
	ptype := models.PatternType(r.URL.Query().Get("type"))
	pattern := r.URL.Query().Get("pattern")
	switch ptype {
	case models.PatternUserAgent, models.PatternIPRange, models.PatternBehaviorHash:
	default:
		writeError(w, http.StatusBadRequest, "unknown pattern type")
		return
	}
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "missing pattern query parameter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"pattern_id": h.classifier.PatternID(ptype, pattern),
	})
}

type pinRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) handleBlockPattern(w http.ResponseWriter, r *http.Request) {
	h.handlePin(w, r, h.classifier.BlockPattern)
}

func (h *Handlers) handleAllowPattern(w http.ResponseWriter, r *http.Request) {
	h.handlePin(w, r, h.classifier.AllowPattern)
}

func (h *Handlers) handlePin(w http.ResponseWriter, r *http.Request, pin func(ctx context.Context, patternID, reason string) (models.PatternReputation, error)) {
	patternID := chi.URLParam(r, "patternID")

	var body pinRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	rec, err := pin(r.Context(), patternID, body.Reason)
	if err != nil {
		h.logger.Warn("manual pin failed",
			slog.String("pattern_id", patternID), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "reputation store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toReputationResponse(rec))
}

func (h *Handlers) handleClearManual(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")

	rec, err := h.classifier.ClearManual(r.Context(), patternID)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPattern) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		h.logger.Warn("clearing manual pin failed",
			slog.String("pattern_id", patternID), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "reputation store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toReputationResponse(rec))
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
