package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/verdictstack/verdict-engine/internal/detector"
	"github.com/verdictstack/verdict-engine/internal/evidence"
	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/orchestrator"
	"github.com/verdictstack/verdict-engine/internal/policy"
	"github.com/verdictstack/verdict-engine/internal/reputation"
	"github.com/verdictstack/verdict-engine/internal/utils"
)

type stubDetector struct {
	name    string
	delta   float64
	weight  float64
	signals map[string]any
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) Detect(_ context.Context, _ *models.RequestView, bb *detector.Blackboard) (detector.Result, error) {
	for k, v := range d.signals {
		bb.Set(k, v)
	}
	return detector.Contribution(d.name, "Test", d.delta, d.weight, "stubbed"), nil
}

type fixture struct {
	classifier *Classifier
	store      reputation.Store
	signer     *reputation.Signer
}

func newFixture(t *testing.T, dets ...detector.Detector) *fixture {
	t.Helper()

	signer, err := reputation.NewSigner([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	store := reputation.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	orch := orchestrator.New(nil, evidence.NewAggregator(0.5, 3),
		[]orchestrator.Wave{{Name: "test", Detectors: dets}}, orchestrator.Options{})

	classifier := NewClassifier(nil, orch, policy.NewProvider(nil), store,
		reputation.NewEngine(reputation.Options{}), signer, Options{})

	return &fixture{classifier: classifier, store: store, signer: signer}
}

func botView() *models.RequestView {
	return &models.RequestView{
		RequestID: "req-1",
		Method:    "GET",
		Path:      "/",
		UserAgent: "scrapetool/3.1",
		ClientIP:  "203.0.113.10",
	}
}

func TestClassifyAppliesDefaultPolicy(t *testing.T) {
	f := newFixture(t, &stubDetector{name: "certain", delta: 0.96, weight: 3})

	dec, err := f.classifier.Classify(context.Background(), botView())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if dec.Action.Type != models.ActionBlock {
		t.Fatalf("action = %s, want block for near-certain bot", dec.Action.Type)
	}
	if dec.Policy != "default" {
		t.Fatalf("policy = %q, want the built-in default", dec.Policy)
	}
	if dec.WavesRun != 1 {
		t.Fatalf("waves = %d, want 1", dec.WavesRun)
	}
}

func TestClassifyReputationSignalTriggersPolicy(t *testing.T) {
	// Low probability, but the blackboard carries an operator pin.
	f := newFixture(t, &stubDetector{
		name: "memory", delta: -0.5, weight: 1,
		signals: map[string]any{"reputation.ua.state": string(models.StateManuallyBlocked)},
	})

	dec, err := f.classifier.Classify(context.Background(), botView())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if dec.Action.Type != models.ActionBlock {
		t.Fatalf("action = %s, want block from the manual pin signal", dec.Action.Type)
	}
}

func TestFeedbackTeachesReputation(t *testing.T) {
	f := newFixture(t, &stubDetector{name: "certain", delta: 0.96, weight: 3})
	view := botView()

	if _, err := f.classifier.Classify(context.Background(), view); err != nil {
		t.Fatalf("classify: %v", err)
	}

	// A cancelled context makes Run flush the queue and return.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.classifier.Run(ctx)

	for _, lk := range []struct {
		ptype   models.PatternType
		pattern string
	}{
		{models.PatternUserAgent, view.UserAgent},
		{models.PatternIPRange, view.ClientIP},
	} {
		id := f.signer.PatternID(lk.ptype, lk.pattern)
		rec, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", lk.ptype, err)
		}
		if rec == nil {
			t.Fatalf("no reputation learned for %s", lk.ptype)
		}
		if rec.BotScore <= 0.5 {
			t.Fatalf("%s score = %v, want above prior after bot verdict", lk.ptype, rec.BotScore)
		}
		if rec.Support != 1 {
			t.Fatalf("%s support = %v, want 1", lk.ptype, rec.Support)
		}
	}
}

func TestAmbiguousVerdictTeachesNothing(t *testing.T) {
	f := newFixture(t, &stubDetector{name: "meh", delta: 0.5, weight: 3})
	view := botView()

	if _, err := f.classifier.Classify(context.Background(), view); err != nil {
		t.Fatalf("classify: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.classifier.Run(ctx)

	id := f.signer.PatternID(models.PatternUserAgent, view.UserAgent)
	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("ambiguous verdict must not learn, got %+v", rec)
	}
}

// recordingHandler captures log records so tests can inspect logged errors.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

type failingStore struct {
	reputation.Store
}

func (s *failingStore) Update(context.Context, string, reputation.UpdateFunc) error {
	return errors.New("backend down")
}

func TestFeedbackFailureLogsOperationError(t *testing.T) {
	handler := &recordingHandler{}

	signer, err := reputation.NewSigner([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	store := &failingStore{Store: reputation.NewMemoryStore()}
	orch := orchestrator.New(nil, evidence.NewAggregator(0.5, 3), nil, orchestrator.Options{})
	classifier := NewClassifier(slog.New(handler), orch, policy.NewProvider(nil), store,
		reputation.NewEngine(reputation.Options{}), signer, Options{})

	classifier.applyFeedback(context.Background(), feedbackEvent{
		patternType: models.PatternUserAgent,
		pattern:     "scrapetool/3.1",
		label:       1,
	})

	var appErr *utils.AppError
	for _, rec := range handler.records {
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "error" {
				if logged, ok := a.Value.Any().(error); ok {
					errors.As(logged, &appErr)
				}
			}
			return true
		})
	}
	if appErr == nil {
		t.Fatalf("store failure was not logged as an AppError")
	}
	if appErr.Op != "classifier.feedback" {
		t.Fatalf("Op = %q, want classifier.feedback", appErr.Op)
	}
	if !strings.Contains(appErr.Error(), "backend down") {
		t.Fatalf("logged error %q does not carry the cause", appErr.Error())
	}
}

func TestReputationByIDUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.classifier.ReputationByID(context.Background(), "deadbeef")
	if !errors.Is(err, ErrUnknownPattern) {
		t.Fatalf("err = %v, want ErrUnknownPattern", err)
	}
}

func TestBlockAllowClearManualLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.classifier.PatternID(models.PatternUserAgent, "scrapetool/3.1")

	rec, err := f.classifier.BlockPattern(context.Background(), id, "abuse report")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if rec.State != models.StateManuallyBlocked || !rec.IsManual {
		t.Fatalf("block produced %+v", rec)
	}

	got, err := f.classifier.ReputationByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get after block: %v", err)
	}
	if got.State != models.StateManuallyBlocked {
		t.Fatalf("stored state = %s", got.State)
	}

	rec, err = f.classifier.AllowPattern(context.Background(), id, "false positive")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if rec.State != models.StateManuallyGood {
		t.Fatalf("allow produced state %s", rec.State)
	}

	rec, err = f.classifier.ClearManual(context.Background(), id)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rec.IsManual {
		t.Fatalf("pin not cleared: %+v", rec)
	}

	_, err = f.classifier.ClearManual(context.Background(), "unknown-id")
	if !errors.Is(err, ErrUnknownPattern) {
		t.Fatalf("clear unknown err = %v, want ErrUnknownPattern", err)
	}
}
