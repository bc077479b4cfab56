package detector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// CategoryBehavior groups contributions derived from request behaviour.
const CategoryBehavior = "Behavior"

// Velocity tracks per-client request rates with token buckets. Sustained
// limiter pressure is bot evidence; occasional bursts are not.
//
// Clients are keyed through keyFn so the bucket map never holds raw
// addresses; wire it to the HMAC pattern identity of the client IP.
type Velocity struct {
	mu      sync.Mutex
	buckets map[string]*velocityBucket
	limit   rate.Limit
	burst   int
	keyFn   func(view *models.RequestView) string
	idleTTL time.Duration
}

type velocityBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewVelocity builds the detector. rps is the sustained per-client budget.
func NewVelocity(rps float64, burst int, keyFn func(view *models.RequestView) string) *Velocity {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	if keyFn == nil {
		keyFn = func(view *models.RequestView) string { return view.ClientIP }
	}
	return &Velocity{
		buckets: make(map[string]*velocityBucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		idleTTL: 10 * time.Minute,
	}
}

func (d *Velocity) Name() string { return "velocity" }

func (d *Velocity) Detect(_ context.Context, view *models.RequestView, bb *Blackboard) (Result, error) {
	key := d.keyFn(view)
	if key == "" {
		return Result{}, nil
	}

	d.mu.Lock()
	b, ok := d.buckets[key]
	if !ok {
		b = &velocityBucket{limiter: rate.NewLimiter(d.limit, d.burst)}
		d.buckets[key] = b
	}
	b.lastSeen = time.Now()
	allowed := b.limiter.Allow()
	tokens := b.limiter.Tokens()
	d.mu.Unlock()

	bb.Set("request.rate.exceeded", !allowed)

	if !allowed {
		return Contribution(d.Name(), CategoryBehavior, 0.7, 0.9, "request rate exceeds per-client budget"), nil
	}
	if tokens < float64(d.burst)/4 {
		return Contribution(d.Name(), CategoryBehavior, 0.3, 0.4, "request rate approaching per-client budget"), nil
	}
	return Contribution(d.Name(), CategoryBehavior, -0.1, 0.2, "request rate within budget"), nil
}

// Run prunes idle buckets until ctx is cancelled.
func (d *Velocity) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.prune(time.Now())
		}
	}
}

func (d *Velocity) prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, b := range d.buckets {
		if now.Sub(b.lastSeen) > d.idleTTL {
			delete(d.buckets, key)
		}
	}
}
