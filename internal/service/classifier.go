package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/verdictstack/verdict-engine/internal/metrics"
	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/orchestrator"
	"github.com/verdictstack/verdict-engine/internal/policy"
	"github.com/verdictstack/verdict-engine/internal/reputation"
	"github.com/verdictstack/verdict-engine/internal/utils"
)

// ErrUnknownPattern is returned for reputation operations on IDs the store
// has never seen.
var ErrUnknownPattern = errors.New("unknown pattern id")

// Options tunes the classifier facade around the orchestrator.
type Options struct {
	// FeedbackQueueSize bounds the async learning queue; a full queue drops
	// events rather than delaying classification.
	FeedbackQueueSize int
	// FeedbackMinConfidence gates learning: only verdicts at least this
	// confident feed back into reputation.
	FeedbackMinConfidence float64
	// FeedbackHighProbability and FeedbackLowProbability are the decisive
	// bands; probabilities between them teach nothing.
	FeedbackHighProbability float64
	FeedbackLowProbability  float64

	// LatencyWindow is the sample size of the rolling latency tracker.
	LatencyWindow int
	// ReportInterval is how often the latency summary is logged.
	ReportInterval time.Duration
}

// DefaultOptions returns the facade defaults.
func DefaultOptions() Options {
	return Options{
		FeedbackQueueSize:       1024,
		FeedbackMinConfidence:   0.6,
		FeedbackHighProbability: 0.8,
		FeedbackLowProbability:  0.2,
		LatencyWindow:           2048,
		ReportInterval:          time.Minute,
	}
}

// Decision is the full answer for one classified request.
type Decision struct {
	Evidence models.AggregatedEvidence
	Action   models.Action
	Policy   string
	WavesRun int
	Elapsed  time.Duration
}

type feedbackEvent struct {
	patternType models.PatternType
	pattern     string
	label       float64
}

// Classifier ties the orchestrator, the active policy, and the learning loop
// together. Classification is synchronous; learning is asynchronous and
// best-effort so a slow store can never stretch request latency.
type Classifier struct {
	logger   *slog.Logger
	orch     *orchestrator.Orchestrator
	policies *policy.Provider
	store    reputation.Store
	engine   *reputation.Engine
	signer   *reputation.Signer
	latency  *utils.LatencyTracker
	opts     Options

	feedback chan feedbackEvent
}

// NewClassifier wires the facade. All collaborators are required except the
// logger, which falls back to slog.Default.
func NewClassifier(logger *slog.Logger, orch *orchestrator.Orchestrator, policies *policy.Provider, store reputation.Store, engine *reputation.Engine, signer *reputation.Signer, opts Options) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.FeedbackQueueSize <= 0 {
		opts.FeedbackQueueSize = def.FeedbackQueueSize
	}
	if opts.FeedbackMinConfidence <= 0 {
		opts.FeedbackMinConfidence = def.FeedbackMinConfidence
	}
	if opts.FeedbackHighProbability <= 0 {
		opts.FeedbackHighProbability = def.FeedbackHighProbability
	}
	if opts.FeedbackLowProbability <= 0 {
		opts.FeedbackLowProbability = def.FeedbackLowProbability
	}
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = def.LatencyWindow
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = def.ReportInterval
	}

	return &Classifier{
		logger:   logger,
		orch:     orch,
		policies: policies,
		store:    store,
		engine:   engine,
		signer:   signer,
		latency:  utils.NewLatencyTracker(opts.LatencyWindow),
		opts:     opts,
		feedback: make(chan feedbackEvent, opts.FeedbackQueueSize),
	}
}

// Classify produces a decision for one request. On context cancellation the
// partial decision is returned with the error; callers must not apply it.
func (c *Classifier) Classify(ctx context.Context, view *models.RequestView) (Decision, error) {
	start := time.Now()

	outcome, err := c.orch.Classify(ctx, view)
	if err != nil {
		return Decision{Evidence: outcome.Evidence, WavesRun: outcome.WavesRun}, err
	}

	signals := policy.Signals{}
	for _, key := range []string{"reputation.ua.state", "reputation.ip.state"} {
		if s := outcome.Blackboard.String(key); s != "" {
			signals.States = append(signals.States, models.PatternState(s))
		}
	}

	active := c.policies.Active()
	action := policy.Evaluate(outcome.Evidence, signals, active)

	elapsed := time.Since(start)
	c.latency.Observe(elapsed)
	metrics.ObserveDecision(string(action.Type), elapsed)

	c.enqueueFeedback(view, outcome.Evidence)

	c.logger.Debug("request classified",
		slog.String("request_id", view.RequestID),
		slog.Float64("probability", outcome.Evidence.BotProbability),
		slog.Float64("confidence", outcome.Evidence.Confidence),
		slog.String("band", string(outcome.Evidence.RiskBand)),
		slog.String("action", string(action.Type)),
		slog.Int("waves", outcome.WavesRun),
		slog.Duration("elapsed", elapsed))

	return Decision{
		Evidence: outcome.Evidence,
		Action:   action,
		Policy:   active.Name,
		WavesRun: outcome.WavesRun,
		Elapsed:  elapsed,
	}, nil
}

// enqueueFeedback turns decisive verdicts into learning events for the
// request's patterns. The queue never blocks; overflow is counted and
// dropped.
func (c *Classifier) enqueueFeedback(view *models.RequestView, ev models.AggregatedEvidence) {
	var label float64
	switch {
	case ev.RiskBand == models.RiskVerified:
		label = 0
	case ev.Confidence < c.opts.FeedbackMinConfidence:
		return
	case ev.BotProbability >= c.opts.FeedbackHighProbability:
		label = 1
	case ev.BotProbability <= c.opts.FeedbackLowProbability:
		label = 0
	default:
		return
	}

	events := make([]feedbackEvent, 0, 2)
	if view.UserAgent != "" {
		events = append(events, feedbackEvent{models.PatternUserAgent, view.UserAgent, label})
	}
	if view.ClientIP != "" {
		events = append(events, feedbackEvent{models.PatternIPRange, view.ClientIP, label})
	}

	for _, ev := range events {
		select {
		case c.feedback <- ev:
		default:
			metrics.IncFeedbackDropped()
		}
	}
}

// Run drains the feedback queue and periodically logs the latency summary.
// It returns when the context is cancelled and the queue is empty.
func (c *Classifier) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already queued before exiting.
			for {
				select {
				case ev := <-c.feedback:
					c.applyFeedback(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-c.feedback:
			c.applyFeedback(ctx, ev)
		case <-ticker.C:
			if c.latency.Count() > 0 {
				c.logger.Info("classification latency",
					slog.Duration("p50", c.latency.Percentile(50)),
					slog.Duration("p95", c.latency.Percentile(95)),
					slog.Duration("p99", c.latency.Percentile(99)),
					slog.Int("samples", c.latency.Count()))
			}
		}
	}
}

func (c *Classifier) applyFeedback(ctx context.Context, ev feedbackEvent) {
	id := c.signer.PatternID(ev.patternType, ev.pattern)
	normalized := reputation.NormalizePattern(ev.patternType, ev.pattern)

	err := c.store.Update(ctx, id, func(current *models.PatternReputation) (models.PatternReputation, bool, error) {
		next, applyErr := c.engine.ApplyEvidence(current, id, ev.patternType, normalized, ev.label)
		if applyErr != nil {
			return models.PatternReputation{}, false, applyErr
		}
		return next, true, nil
	})
	metrics.ObserveStoreOp("feedback_update", err)
	if err != nil {
		c.logger.Warn("feedback update failed",
			slog.String("pattern_type", string(ev.patternType)),
			slog.Any("error", utils.NewAppError("classifier.feedback",
				"reputation update rejected", err)))
	}
}

// ReputationByID returns the stored record for a pattern ID.
func (c *Classifier) ReputationByID(ctx context.Context, patternID string) (*models.PatternReputation, error) {
	rec, err := c.store.Get(ctx, patternID)
	metrics.ObserveStoreOp("get", err)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownPattern
	}
	return rec, nil
}

// PatternID exposes the keyed identity so operators can resolve a raw
// pattern to the ID used by the reputation endpoints.
func (c *Classifier) PatternID(patternType models.PatternType, pattern string) string {
	return c.signer.PatternID(patternType, pattern)
}

// BlockPattern pins a pattern as operator-confirmed bot traffic. Absent
// records are created so a block does not require prior sightings.
func (c *Classifier) BlockPattern(ctx context.Context, patternID, reason string) (models.PatternReputation, error) {
	return c.pin(ctx, patternID, func(rec models.PatternReputation) models.PatternReputation {
		return c.engine.ManuallyBlock(rec, reason)
	})
}

// AllowPattern pins a pattern as operator-confirmed legitimate traffic.
func (c *Classifier) AllowPattern(ctx context.Context, patternID, reason string) (models.PatternReputation, error) {
	return c.pin(ctx, patternID, func(rec models.PatternReputation) models.PatternReputation {
		return c.engine.ManuallyAllow(rec, reason)
	})
}

// ClearManual removes an operator pin; the record resumes normal learning
// and decay from its accumulated score.
func (c *Classifier) ClearManual(ctx context.Context, patternID string) (models.PatternReputation, error) {
	var out models.PatternReputation
	err := c.store.Update(ctx, patternID, func(current *models.PatternReputation) (models.PatternReputation, bool, error) {
		if current == nil {
			return models.PatternReputation{}, false, ErrUnknownPattern
		}
		out = c.engine.ClearManual(*current)
		return out, true, nil
	})
	metrics.ObserveStoreOp("clear_manual", err)
	return out, err
}

func (c *Classifier) pin(ctx context.Context, patternID string, fn func(models.PatternReputation) models.PatternReputation) (models.PatternReputation, error) {
	var out models.PatternReputation
	err := c.store.Update(ctx, patternID, func(current *models.PatternReputation) (models.PatternReputation, bool, error) {
		rec := models.PatternReputation{
			PatternID: patternID,
			State:     models.StateNeutral,
			BotScore:  0.5,
			FirstSeen: time.Now(),
			LastSeen:  time.Now(),
		}
		if current != nil {
			rec = *current
		}
		out = fn(rec)
		return out, true, nil
	})
	metrics.ObserveStoreOp("pin", err)
	return out, err
}
