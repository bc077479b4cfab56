package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// Provider hands out the active policy. Swaps are atomic so in-flight
// evaluations always see one coherent rule list.
type Provider struct {
	current atomic.Pointer[Policy]
}

// NewProvider seeds a provider; a nil initial policy falls back to Default.
func NewProvider(initial *Policy) *Provider {
	p := &Provider{}
	if initial == nil {
		initial = Default()
	}
	p.current.Store(initial)
	return p
}

// Active returns the policy evaluations should use right now.
func (p *Provider) Active() *Policy {
	return p.current.Load()
}

// Swap replaces the active policy.
func (p *Provider) Swap(next *Policy) {
	if next == nil {
		return
	}
	p.current.Store(next)
}

type policyFile struct {
	Name           string     `yaml:"name"`
	Rules          []ruleFile `yaml:"rules"`
	DefaultAction  actionFile `yaml:"default_action"`
	VerifiedAction actionFile `yaml:"verified_action"`
}

type ruleFile struct {
	ID        string     `yaml:"id"`
	Trigger   string     `yaml:"trigger"`
	Threshold float64    `yaml:"threshold"`
	Band      string     `yaml:"band"`
	State     string     `yaml:"state"`
	Action    actionFile `yaml:"action"`
}

type actionFile struct {
	Type       string `yaml:"type"`
	Status     int    `yaml:"status"`
	Reason     string `yaml:"reason"`
	RetryAfter string `yaml:"retry_after"`
	Challenge  string `yaml:"challenge"`
}

// Load parses a policy pack from disk and validates every rule before any
// of it becomes active.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return file.build()
}

func (f policyFile) build() (*Policy, error) {
	p := &Policy{Name: f.Name}
	if p.Name == "" {
		p.Name = "unnamed"
	}

	for i, rf := range f.Rules {
		rule, err := rf.build()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rf.ID, err)
		}
		p.Rules = append(p.Rules, rule)
	}

	var err error
	if p.DefaultAction, err = f.DefaultAction.build(); err != nil {
		return nil, fmt.Errorf("default_action: %w", err)
	}
	if f.VerifiedAction.Type == "" {
		p.VerifiedAction = models.AllowAction()
	} else if p.VerifiedAction, err = f.VerifiedAction.build(); err != nil {
		return nil, fmt.Errorf("verified_action: %w", err)
	}
	return p, nil
}

func (rf ruleFile) build() (Rule, error) {
	rule := Rule{
		ID:        rf.ID,
		Trigger:   TriggerKind(rf.Trigger),
		Threshold: rf.Threshold,
		Band:      models.RiskBand(rf.Band),
		State:     models.PatternState(rf.State),
	}

	switch rule.Trigger {
	case TriggerProbabilityAtLeast, TriggerProbabilityAtMost, TriggerConfidenceBelow:
		if rf.Threshold < 0 || rf.Threshold > 1 {
			return Rule{}, fmt.Errorf("threshold %v outside [0,1]", rf.Threshold)
		}
	case TriggerRiskBandAtLeast:
		if rule.Band.Rank() < 0 {
			return Rule{}, fmt.Errorf("unknown risk band %q", rf.Band)
		}
	case TriggerReputationState:
		if !rule.State.Valid() {
			return Rule{}, fmt.Errorf("unknown reputation state %q", rf.State)
		}
	default:
		return Rule{}, fmt.Errorf("unknown trigger %q", rf.Trigger)
	}

	action, err := rf.Action.build()
	if err != nil {
		return Rule{}, err
	}
	rule.Action = action
	return rule, nil
}

func (af actionFile) build() (models.Action, error) {
	action := models.Action{
		Type:          models.ActionType(af.Type),
		Status:        af.Status,
		Reason:        af.Reason,
		ChallengeKind: af.Challenge,
	}
	if af.Type == "" {
		return models.AllowAction(), nil
	}
	if af.RetryAfter != "" {
		d, err := time.ParseDuration(af.RetryAfter)
		if err != nil {
			return models.Action{}, fmt.Errorf("retry_after: %w", err)
		}
		action.RetryAfter = d
	}

	switch action.Type {
	case models.ActionAllow, models.ActionThrottle, models.ActionChallenge, models.ActionBlock, models.ActionLogOnly:
	default:
		return models.Action{}, fmt.Errorf("unknown action type %q", af.Type)
	}
	if action.Type == models.ActionBlock && action.Status == 0 {
		action.Status = 403
	}
	return action, nil
}

// Watcher reloads a policy pack when its file changes. A reload that fails
// to parse or validate leaves the previous policy active.
type Watcher struct {
	logger   *slog.Logger
	provider *Provider
	path     string
	watcher  *fsnotify.Watcher
}

// NewWatcher loads the pack once and starts watching its directory. Editors
// commonly replace files via rename, so watching the directory rather than
// the file survives those swaps.
func NewWatcher(logger *slog.Logger, provider *Provider, path string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	provider.Swap(initial)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch policy dir: %w", err)
	}

	return &Watcher{logger: logger, provider: provider, path: path, watcher: fw}, nil
}

// Run processes file events until the watcher is closed.
func (w *Watcher) Run() {
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", slog.Any("error", err))
		}
	}
}

// Close stops the watcher; Run returns once pending events drain.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping active policy",
			slog.String("path", w.path), slog.Any("error", err))
		return
	}
	w.provider.Swap(next)
	w.logger.Info("policy reloaded",
		slog.String("path", w.path),
		slog.String("policy", next.Name),
		slog.Int("rules", len(next.Rules)))
}
