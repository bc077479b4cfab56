package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/service"
)

// MiddlewareOptions customises inline enforcement.
type MiddlewareOptions struct {
	// OnBlock overrides the default block response.
	OnBlock func(w http.ResponseWriter, r *http.Request, action models.Action)
	// OnChallenge overrides the default challenge response.
	OnChallenge func(w http.ResponseWriter, r *http.Request, action models.Action)
}

// Middleware wraps an origin handler with inline classification. It is
// compatible with net/http, chi, and any router accepting
// func(http.Handler) http.Handler.
//
// The middleware fails open: if classification errors or the request context
// is cancelled, the request passes through untouched.
func Middleware(logger *slog.Logger, classifier *service.Classifier, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			view := ViewFromRequest(r)

			decision, err := classifier.Classify(r.Context(), view)
			if err != nil {
				logger.Warn("inline classification failed open",
					slog.String("request_id", view.RequestID), slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			switch decision.Action.Type {
			case models.ActionBlock:
				if opts.OnBlock != nil {
					opts.OnBlock(w, r, decision.Action)
					return
				}
				status := decision.Action.Status
				if status == 0 {
					status = http.StatusForbidden
				}
				http.Error(w, "forbidden", status)
				return

			case models.ActionChallenge:
				if opts.OnChallenge != nil {
					opts.OnChallenge(w, r, decision.Action)
					return
				}
				w.Header().Set("X-Challenge", decision.Action.ChallengeKind)
				http.Error(w, "challenge required", http.StatusForbidden)
				return

			case models.ActionThrottle:
				retry := decision.Action.RetryAfter
				if retry <= 0 {
					retry = time.Second
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return

			case models.ActionLogOnly:
				logger.Info("suspicious request allowed",
					slog.String("request_id", view.RequestID),
					slog.Float64("probability", decision.Evidence.BotProbability),
					slog.String("band", string(decision.Evidence.RiskBand)),
					slog.String("reason", decision.Action.Reason))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ViewFromRequest projects an inbound request into the engine's read-only
// view. Header keys are lower-cased; multi-value headers are joined.
func ViewFromRequest(r *http.Request) *models.RequestView {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	headers := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(vals, ", ")
	}

	return &models.RequestView{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		ClientIP:   extractIP(r),
		UserAgent:  r.UserAgent(),
		ReceivedAt: time.Now(),
	}
}

// extractIP reads the client IP from X-Forwarded-For, X-Real-IP, or
// RemoteAddr (in that order), stripping the port if present.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the comma-separated list is the client.
		ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		return stripPort(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return stripPort(strings.TrimSpace(xri))
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	// [::1]:port style IPv6.
	if idx := strings.LastIndex(addr, "]:"); idx != -1 {
		return addr[1:idx]
	}
	if strings.Count(addr, ":") == 1 {
		host, _, _ := strings.Cut(addr, ":")
		return host
	}
	return addr
}
