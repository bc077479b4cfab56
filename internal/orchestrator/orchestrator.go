package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdictstack/verdict-engine/internal/detector"
	"github.com/verdictstack/verdict-engine/internal/evidence"
	"github.com/verdictstack/verdict-engine/internal/metrics"
	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/utils"
)

// Options tunes wave scheduling and early-exit behaviour.
type Options struct {
	// ImmediateBlockThreshold finalises as soon as interim probability
	// reaches it; ImmediateAllowThreshold finalises when probability drops
	// to or below 1 - threshold.
	ImmediateBlockThreshold float64
	ImmediateAllowThreshold float64
	// EarlyExitThreshold and EarlyExitQuorum finalise when that many
	// high-weight contributions already agree beyond the threshold.
	EarlyExitThreshold float64
	EarlyExitQuorum    int
	// QuorumWeight is the minimum contribution weight that counts toward
	// the quorum.
	QuorumWeight float64

	DetectorTimeout time.Duration
	WaveTimeout     time.Duration
}

// DefaultOptions returns the scheduling defaults.
func DefaultOptions() Options {
	return Options{
		ImmediateBlockThreshold: 0.95,
		ImmediateAllowThreshold: 0.95,
		EarlyExitThreshold:      0.8,
		EarlyExitQuorum:         3,
		QuorumWeight:            0.8,
		DetectorTimeout:         250 * time.Millisecond,
		WaveTimeout:             750 * time.Millisecond,
	}
}

// Outcome is what one classified request produces: the final evidence plus
// the per-request blackboard for downstream policy signals.
type Outcome struct {
	Evidence   models.AggregatedEvidence
	Blackboard *detector.Blackboard
	WavesRun   int
}

// Orchestrator decides which detectors run for a request, in what order,
// and when to stop early. Detector failures degrade accuracy, never
// availability: a timeout or panic is recorded and contributes nothing.
type Orchestrator struct {
	logger     *slog.Logger
	aggregator *evidence.Aggregator
	waves      []Wave
	opts       Options
}

// New constructs an Orchestrator over an ordered wave list.
func New(logger *slog.Logger, aggregator *evidence.Aggregator, waves []Wave, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if aggregator == nil {
		aggregator = evidence.NewAggregator(0.5, 0)
	}
	def := DefaultOptions()
	if opts.ImmediateBlockThreshold <= 0 || opts.ImmediateBlockThreshold > 1 {
		opts.ImmediateBlockThreshold = def.ImmediateBlockThreshold
	}
	if opts.ImmediateAllowThreshold <= 0 || opts.ImmediateAllowThreshold > 1 {
		opts.ImmediateAllowThreshold = def.ImmediateAllowThreshold
	}
	if opts.EarlyExitThreshold <= 0 {
		opts.EarlyExitThreshold = def.EarlyExitThreshold
	}
	if opts.EarlyExitQuorum <= 0 {
		opts.EarlyExitQuorum = def.EarlyExitQuorum
	}
	if opts.QuorumWeight <= 0 {
		opts.QuorumWeight = def.QuorumWeight
	}
	if opts.DetectorTimeout <= 0 {
		opts.DetectorTimeout = def.DetectorTimeout
	}
	if opts.WaveTimeout <= 0 {
		opts.WaveTimeout = def.WaveTimeout
	}
	return &Orchestrator{logger: logger, aggregator: aggregator, waves: waves, opts: opts}
}

// Classify runs the wave sequence for one request. On context cancellation
// the partial evidence is still returned alongside the context error so the
// caller can log it; no action should be applied to a cancelled request.
func (o *Orchestrator) Classify(ctx context.Context, view *models.RequestView) (Outcome, error) {
	ledger := evidence.NewLedger(view.RequestID)
	bb := detector.NewBlackboard()
	failed := &failureSet{}

	wavesRun := 0
	var interim models.AggregatedEvidence

	for i, wave := range o.waves {
		if err := ctx.Err(); err != nil {
			return o.finalize(ledger, bb, failed, wavesRun), err
		}
		if i > 0 && !wave.Trigger.Satisfied(interim) {
			o.logger.Debug("wave trigger not satisfied, finalizing",
				slog.String("wave", wave.Name),
				slog.Float64("interim_probability", interim.BotProbability))
			break
		}

		o.runWave(ctx, wave, view, ledger, bb, failed)
		wavesRun++
		metrics.ObserveWave(wave.Name)

		interim = o.aggregator.Aggregate(view.RequestID, ledger.Snapshot(), failed.names())
		if o.decisive(interim, ledger) {
			o.logger.Debug("early exit after wave",
				slog.String("wave", wave.Name),
				slog.Float64("probability", interim.BotProbability))
			break
		}
	}

	outcome := o.finalize(ledger, bb, failed, wavesRun)
	return outcome, ctx.Err()
}

func (o *Orchestrator) finalize(ledger *evidence.Ledger, bb *detector.Blackboard, failed *failureSet, wavesRun int) Outcome {
	contributions := ledger.Freeze()
	return Outcome{
		Evidence:   o.aggregator.Aggregate(ledger.RequestID(), contributions, failed.names()),
		Blackboard: bb,
		WavesRun:   wavesRun,
	}
}

// decisive implements the early-exit rule: immediate thresholds first, then
// the high-weight quorum.
func (o *Orchestrator) decisive(ev models.AggregatedEvidence, ledger *evidence.Ledger) bool {
	if ev.RiskBand == models.RiskVerified {
		return true
	}
	if ev.BotProbability >= o.opts.ImmediateBlockThreshold {
		return true
	}
	if ev.BotProbability <= 1-o.opts.ImmediateAllowThreshold {
		return true
	}

	botVotes, humanVotes := 0, 0
	for _, c := range ledger.Snapshot() {
		if c.Weight < o.opts.QuorumWeight {
			continue
		}
		if c.ConfidenceDelta >= o.opts.EarlyExitThreshold {
			botVotes++
		} else if c.ConfidenceDelta <= -o.opts.EarlyExitThreshold {
			humanVotes++
		}
	}
	return botVotes >= o.opts.EarlyExitQuorum || humanVotes >= o.opts.EarlyExitQuorum
}

// runWave executes one wave's detectors concurrently and waits for every
// completion or timeout before returning. The wave timeout is a backstop on
// top of the per-detector budget.
func (o *Orchestrator) runWave(ctx context.Context, wave Wave, view *models.RequestView, ledger *evidence.Ledger, bb *detector.Blackboard, failed *failureSet) {
	waveCtx, cancel := context.WithTimeout(ctx, o.opts.WaveTimeout)
	defer cancel()

	g := new(errgroup.Group)
	for _, det := range wave.Detectors {
		det := det
		g.Go(func() error {
			start := time.Now()
			result, err := o.runDetector(waveCtx, det, view, bb)
			elapsed := time.Since(start)
			if err != nil {
				kind := metrics.FailureFault
				if errors.Is(err, context.DeadlineExceeded) {
					kind = metrics.FailureTimeout
				}
				metrics.ObserveDetectorFailure(det.Name(), kind)
				failed.add(det.Name())
				o.logger.Debug("detector failed",
					slog.String("detector", det.Name()),
					slog.String("wave", wave.Name),
					slog.Any("error", err))
				return nil
			}
			for _, c := range result.Contributions {
				c.Duration = elapsed
				if recErr := ledger.Record(c); recErr != nil {
					// Finalised mid-wave: a contract violation worth
					// surfacing in logs, never worth failing the request.
					o.logger.Error("contribution after freeze",
						slog.String("detector", det.Name()),
						slog.Any("error", utils.NewAppError("orchestrator.wave",
							"contribution recorded after finalize", recErr)))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runDetector applies the per-detector budget and converts panics into
// ordinary failures so a faulty detector cannot abort the wave.
func (o *Orchestrator) runDetector(ctx context.Context, det detector.Detector, view *models.RequestView, bb *detector.Blackboard) (result detector.Result, err error) {
	detCtx, cancel := context.WithTimeout(ctx, o.opts.DetectorTimeout)
	defer cancel()

	type reply struct {
		result detector.Result
		err    error
	}
	done := make(chan reply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		res, detectErr := det.Detect(detCtx, view, bb)
		done <- reply{result: res, err: detectErr}
	}()

	select {
	case <-detCtx.Done():
		return detector.Result{}, detCtx.Err()
	case r := <-done:
		return r.result, r.err
	}
}

// failureSet collects failed detector names across a request.
type failureSet struct {
	mu    sync.Mutex
	items []string
}

func (f *failureSet) add(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, name)
}

func (f *failureSet) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.items))
	copy(out, f.items)
	return out
}
