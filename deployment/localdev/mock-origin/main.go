// Command mock-origin is a local development origin wrapped with inline
// classification, for exercising the middleware without a real deployment.
package main

import (
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/verdictstack/verdict-engine/internal/api"
	"github.com/verdictstack/verdict-engine/internal/detector"
	"github.com/verdictstack/verdict-engine/internal/evidence"
	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/orchestrator"
	"github.com/verdictstack/verdict-engine/internal/policy"
	"github.com/verdictstack/verdict-engine/internal/reputation"
	"github.com/verdictstack/verdict-engine/internal/service"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Local-only key; real deployments load this from a secret store.
	signer, err := reputation.NewSigner([]byte("localdev-localdev-localdev-localdev"))
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	store := reputation.NewMemoryStore()
	engine := reputation.NewEngine(reputation.Options{})

	velocity := detector.NewVelocity(5, 10, func(view *models.RequestView) string {
		return signer.PatternID(models.PatternIPRange, view.ClientIP)
	})

	waves := []orchestrator.Wave{
		{Name: "fast", Detectors: []detector.Detector{
			detector.NewReputation(store, signer),
			detector.NewUserAgent(),
			detector.NewHeaders(nil),
			detector.NewIPRange(nil),
		}},
		{Name: "behavior", Detectors: []detector.Detector{velocity},
			Trigger: &orchestrator.Trigger{MinProbability: 0.2, MaxProbability: 0.95}},
	}

	orch := orchestrator.New(slogger, evidence.NewAggregator(0.5, 3), waves, orchestrator.DefaultOptions())
	classifier := service.NewClassifier(slogger, orch, policy.NewProvider(nil), store, engine, signer, service.Options{})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"page":   r.URL.Path,
			"served": time.Now().UTC(),
		})
	})

	protect := api.Middleware(slogger, classifier, api.MiddlewareOptions{})

	logger := log.New(log.Writer(), "mock-origin ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8081",
		Handler: logRequests(logger, protect(mux)),
	}

	logger.Println("listening on :8081")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
