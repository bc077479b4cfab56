package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the verdict engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Reputation   ReputationConfig   `yaml:"reputation"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Policy       PolicyConfig       `yaml:"policy"`
	Velocity     VelocityConfig     `yaml:"velocity"`
	Feedback     FeedbackConfig     `yaml:"feedback"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ReputationConfig selects the store backend and tunes learning and decay.
// SecretKey is the HMAC key for pattern identities; it must be at least 32
// bytes and normally arrives via VERDICT_SECRET_KEY rather than the file.
type ReputationConfig struct {
	Backend    string        `yaml:"backend"`
	SQLitePath string        `yaml:"sqlitePath"`
	SecretKey  string        `yaml:"secretKey"`
	Valkey     ValkeyConfig  `yaml:"valkey"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`

	LearningRate    float64 `yaml:"learningRate"`
	Prior           float64 `yaml:"prior"`
	ScoreTauHours   float64 `yaml:"scoreTauHours"`
	SupportTauHours float64 `yaml:"supportTauHours"`

	Hysteresis HysteresisConfig `yaml:"hysteresis"`

	SweepInterval      time.Duration `yaml:"sweepInterval"`
	GCEligibleAge      time.Duration `yaml:"gcEligibleAge"`
	GCSupportThreshold float64       `yaml:"gcSupportThreshold"`
	GCOnlyNeutral      bool          `yaml:"gcOnlyNeutral"`
}

// HysteresisConfig tunes the reputation state machine's entry and exit bars.
type HysteresisConfig struct {
	PromoteBadScore    float64 `yaml:"promoteBadScore"`
	PromoteBadSupport  float64 `yaml:"promoteBadSupport"`
	DemoteBadScore     float64 `yaml:"demoteBadScore"`
	DemoteBadSupport   float64 `yaml:"demoteBadSupport"`
	PromoteGoodScore   float64 `yaml:"promoteGoodScore"`
	PromoteGoodSupport float64 `yaml:"promoteGoodSupport"`
	DemoteGoodScore    float64 `yaml:"demoteGoodScore"`
	DemoteGoodSupport  float64 `yaml:"demoteGoodSupport"`
	SuspectScore       float64 `yaml:"suspectScore"`
	SuspectSupport     float64 `yaml:"suspectSupport"`
	SuspectExitScore   float64 `yaml:"suspectExitScore"`
}

// ValkeyConfig configures the Valkey-backed reputation store.
type ValkeyConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// WaveConfig names one detector wave and its optional trigger window.
type WaveConfig struct {
	Name           string   `yaml:"name"`
	Detectors      []string `yaml:"detectors"`
	MinProbability float64  `yaml:"minProbability"`
	MaxProbability float64  `yaml:"maxProbability"`
}

// OrchestratorConfig tunes wave scheduling and early exit.
type OrchestratorConfig struct {
	ImmediateBlockThreshold float64       `yaml:"immediateBlockThreshold"`
	ImmediateAllowThreshold float64       `yaml:"immediateAllowThreshold"`
	EarlyExitThreshold      float64       `yaml:"earlyExitThreshold"`
	EarlyExitQuorum         int           `yaml:"earlyExitQuorum"`
	QuorumWeight            float64       `yaml:"quorumWeight"`
	DetectorTimeout         time.Duration `yaml:"detectorTimeout"`
	WaveTimeout             time.Duration `yaml:"waveTimeout"`
	ConfidenceScale         float64       `yaml:"confidenceScale"`
	Waves                   []WaveConfig  `yaml:"waves"`
}

// PolicyConfig controls policy-pack loading.
type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// VelocityConfig tunes the request-rate detector.
type VelocityConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// FeedbackConfig tunes the asynchronous learning loop.
type FeedbackConfig struct {
	QueueSize       int     `yaml:"queueSize"`
	MinConfidence   float64 `yaml:"minConfidence"`
	HighProbability float64 `yaml:"highProbability"`
	LowProbability  float64 `yaml:"lowProbability"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VERDICT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Reputation: ReputationConfig{
			Backend:            "memory",
			SQLitePath:         "verdict.db",
			CacheTTL:           14 * 24 * time.Hour,
			LearningRate:       0.1,
			Prior:              0.5,
			ScoreTauHours:      168,
			SupportTauHours:    72,
			Hysteresis: HysteresisConfig{
				PromoteBadScore:    0.9,
				PromoteBadSupport:  50,
				DemoteBadScore:     0.7,
				DemoteBadSupport:   100,
				PromoteGoodScore:   0.1,
				PromoteGoodSupport: 50,
				DemoteGoodScore:    0.3,
				DemoteGoodSupport:  100,
				SuspectScore:       0.7,
				SuspectSupport:     10,
				SuspectExitScore:   0.55,
			},
			SweepInterval:      time.Hour,
			GCEligibleAge:      30 * 24 * time.Hour,
			GCSupportThreshold: 3,
			GCOnlyNeutral:      true,
			Valkey: ValkeyConfig{
				DialTimeout:  2 * time.Second,
				ReadTimeout:  500 * time.Millisecond,
				WriteTimeout: 500 * time.Millisecond,
				MaxRetries:   2,
			},
		},
		Orchestrator: OrchestratorConfig{
			ImmediateBlockThreshold: 0.95,
			ImmediateAllowThreshold: 0.95,
			EarlyExitThreshold:      0.8,
			EarlyExitQuorum:         3,
			QuorumWeight:            0.8,
			DetectorTimeout:         250 * time.Millisecond,
			WaveTimeout:             750 * time.Millisecond,
			ConfidenceScale:         3,
			Waves: []WaveConfig{
				{Name: "fast", Detectors: []string{"reputation", "useragent", "headers", "ip"}},
				{Name: "behavior", Detectors: []string{"velocity"}, MinProbability: 0.2, MaxProbability: 0.95},
				{Name: "identity", Detectors: []string{"verifiedbot"}, MinProbability: 0.3, MaxProbability: 0.98},
			},
		},
		Policy:   PolicyConfig{Path: "", Watch: true},
		Velocity: VelocityConfig{RequestsPerSecond: 10, Burst: 20},
		Feedback: FeedbackConfig{
			QueueSize:       1024,
			MinConfidence:   0.6,
			HighProbability: 0.8,
			LowProbability:  0.2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VERDICT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("VERDICT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("VERDICT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VERDICT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("VERDICT_SECRET_KEY"); v != "" {
		cfg.Reputation.SecretKey = v
	}
	if v := os.Getenv("VERDICT_STORE_BACKEND"); v != "" {
		cfg.Reputation.Backend = v
	}
	if v := os.Getenv("VERDICT_SQLITE_PATH"); v != "" {
		cfg.Reputation.SQLitePath = v
	}
	if v := os.Getenv("VERDICT_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reputation.SweepInterval = d
		}
	}
	if v := os.Getenv("VERDICT_VALKEY_ADDR"); v != "" {
		cfg.Reputation.Valkey.Addr = v
	}
	if v := os.Getenv("VERDICT_VALKEY_USERNAME"); v != "" {
		cfg.Reputation.Valkey.Username = v
	}
	if v := os.Getenv("VERDICT_VALKEY_PASSWORD"); v != "" {
		cfg.Reputation.Valkey.Password = v
	}
	if v := os.Getenv("VERDICT_VALKEY_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Reputation.Valkey.DB = db
		}
	}
	if v := os.Getenv("VERDICT_VALKEY_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Reputation.Valkey.TLS = true
	}
	if v := os.Getenv("VERDICT_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := os.Getenv("VERDICT_POLICY_WATCH"); v != "" {
		cfg.Policy.Watch = strings.EqualFold(v, "true") || v == "1"
	}
}

func validate(cfg *Config) error {
	switch cfg.Reputation.Backend {
	case "memory", "sqlite", "valkey":
	default:
		return fmt.Errorf("unknown reputation backend %q", cfg.Reputation.Backend)
	}
	if cfg.Reputation.Backend == "valkey" && cfg.Reputation.Valkey.Addr == "" {
		return fmt.Errorf("valkey backend selected but no address configured")
	}
	for i, wave := range cfg.Orchestrator.Waves {
		if wave.Name == "" {
			return fmt.Errorf("wave %d has no name", i)
		}
		if len(wave.Detectors) == 0 {
			return fmt.Errorf("wave %q has no detectors", wave.Name)
		}
	}
	return nil
}
