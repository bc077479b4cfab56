package detector

import (
	"context"
	"strings"
	"sync"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// Detector is the single capability every signal source implements. A
// detector returns zero or more weighted, signed contributions and may read
// or write derived, privacy-safe indicators on the per-request blackboard.
// It must respect ctx cancellation; the orchestrator enforces the budget.
type Detector interface {
	Name() string
	Detect(ctx context.Context, view *models.RequestView, bb *Blackboard) (Result, error)
}

// Result carries a detector's output for one request.
type Result struct {
	Contributions []models.DetectionContribution
}

// Contribution is a small helper for one-contribution results.
func Contribution(detector, category string, delta, weight float64, reason string) Result {
	return Result{Contributions: []models.DetectionContribution{{
		Detector:        detector,
		Category:        category,
		ConfidenceDelta: delta,
		Weight:          weight,
		Reason:          reason,
	}}}
}

// Blackboard is the per-request shared signal map. Keys are hierarchical
// strings such as "request.ip.is_datacenter". It stores only derived
// indicators, never raw identifiers, and its lifetime ends with the request.
type Blackboard struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewBlackboard creates an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{values: make(map[string]any)}
}

// Set stores a derived signal under the given key.
func (b *Blackboard) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
}

// Get returns the raw signal value and whether it was present.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// Bool returns a boolean signal, false when absent or of another type.
func (b *Blackboard) Bool(key string) bool {
	v, ok := b.Get(key)
	if !ok {
		return false
	}
	bv, _ := v.(bool)
	return bv
}

// String returns a string signal, "" when absent or of another type.
func (b *Blackboard) String(key string) string {
	v, ok := b.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Float returns a numeric signal, 0 when absent or of another type.
func (b *Blackboard) Float(key string) float64 {
	v, ok := b.Get(key)
	if !ok {
		return 0
	}
	f, _ := v.(float64)
	return f
}

// Keys returns all keys matching the given prefix, for debugging output.
func (b *Blackboard) Keys(prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}
