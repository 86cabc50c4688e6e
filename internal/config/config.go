// Package config loads and validates the Arclight server configuration.
// Malformed configuration is rejected here, before any subsystem starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	RulesPath  string `yaml:"rules_path"`
	AuthSecret string `yaml:"auth_secret"`
	IngestRate int    `yaml:"ingest_rate"` // readings requests per minute per feeder

	Engine    Engine    `yaml:"engine"`
	Consensus Consensus `yaml:"consensus"`
	Gateway   Gateway   `yaml:"gateway"`
	Push      Push      `yaml:"push"`
}

// Engine configures the rule evaluation engine.
type Engine struct {
	Workers     int     `yaml:"workers"`
	Sensitivity float64 `yaml:"sensitivity"` // anomaly deviation bound, in stddevs
}

// Consensus configures the multi-predictor validator.
type Consensus struct {
	PredictorURLs     []string `yaml:"predictor_urls"`
	Timeout           Duration `yaml:"timeout"`
	FaultTolerance    int      `yaml:"fault_tolerance"`
	ApprovalThreshold float64  `yaml:"approval_threshold"`
	ConfidenceFloor   float64  `yaml:"confidence_floor"`
	DissentPolicy     string   `yaml:"dissent_policy"` // "reject" or "downweight"
	DissentWeight     float64  `yaml:"dissent_weight"`
}

// Gateway configures the distribution gateway.
type Gateway struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int      `yaml:"heartbeat_misses"`
	SendBuffer        int      `yaml:"send_buffer"`
	OfflineQueueMax   int      `yaml:"offline_queue_max"`
	OfflineQueueAge   Duration `yaml:"offline_queue_age"`
	InboundRate       int      `yaml:"inbound_rate"` // messages per minute per connection
}

// Push configures push-notification escalation.
type Push struct {
	WebhookURL         string   `yaml:"webhook_url"`
	GraceWindow        Duration `yaml:"grace_window"`
	EligiblePriorities []string `yaml:"eligible_priorities"`
}

// Default returns the configuration defaults applied before file and env
// overrides.
func Default() Config {
	return Config{
		ListenAddr: ":8440",
		DBPath:     "arclight.db",
		RedisAddr:  "127.0.0.1:6379",
		RulesPath:  "rules.yaml",
		IngestRate: 600,
		Engine: Engine{
			Workers:     4,
			Sensitivity: 3.0,
		},
		Consensus: Consensus{
			Timeout:           Duration(2 * time.Second),
			FaultTolerance:    1,
			ApprovalThreshold: 0.90,
			ConfidenceFloor:   0.5,
			DissentPolicy:     "reject",
			DissentWeight:     0.25,
		},
		Gateway: Gateway{
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatMisses:   3,
			SendBuffer:        64,
			OfflineQueueMax:   256,
			OfflineQueueAge:   Duration(15 * time.Minute),
			InboundRate:       120,
		},
		Push: Push{
			GraceWindow:        Duration(10 * time.Second),
			EligiblePriorities: []string{"critical"},
		},
	}
}

// Load reads a YAML config file, applies env overrides, and validates the
// result. A missing file is not an error; defaults plus env are used.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays ARCLIGHT_* environment variables on the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARCLIGHT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ARCLIGHT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARCLIGHT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ARCLIGHT_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("ARCLIGHT_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("ARCLIGHT_PUSH_WEBHOOK"); v != "" {
		cfg.Push.WebhookURL = v
	}
	if v := os.Getenv("ARCLIGHT_PREDICTOR_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Consensus.PredictorURLs = urls
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required (set ARCLIGHT_AUTH_SECRET)")
	}
	if c.IngestRate < 1 {
		return fmt.Errorf("ingest_rate must be >= 1, got %d", c.IngestRate)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be >= 1, got %d", c.Engine.Workers)
	}
	if c.Engine.Sensitivity <= 0 {
		return fmt.Errorf("engine.sensitivity must be > 0, got %g", c.Engine.Sensitivity)
	}
	if c.Consensus.FaultTolerance < 0 {
		return fmt.Errorf("consensus.fault_tolerance must be >= 0, got %d", c.Consensus.FaultTolerance)
	}
	if c.Consensus.Timeout <= 0 {
		return fmt.Errorf("consensus.timeout must be > 0")
	}
	if c.Consensus.ApprovalThreshold <= 0 || c.Consensus.ApprovalThreshold > 1 {
		return fmt.Errorf("consensus.approval_threshold must be in (0,1], got %g", c.Consensus.ApprovalThreshold)
	}
	if c.Consensus.ConfidenceFloor < 0 || c.Consensus.ConfidenceFloor > 1 {
		return fmt.Errorf("consensus.confidence_floor must be in [0,1], got %g", c.Consensus.ConfidenceFloor)
	}
	switch c.Consensus.DissentPolicy {
	case "reject", "downweight":
	default:
		return fmt.Errorf("consensus.dissent_policy must be \"reject\" or \"downweight\", got %q", c.Consensus.DissentPolicy)
	}
	if c.Consensus.DissentWeight < 0 || c.Consensus.DissentWeight >= 1 {
		return fmt.Errorf("consensus.dissent_weight must be in [0,1), got %g", c.Consensus.DissentWeight)
	}
	// A panel smaller than the quorum can never approve anything; catch it
	// here instead of rejecting every proposal at runtime.
	if quorum := 2*c.Consensus.FaultTolerance + 1; len(c.Consensus.PredictorURLs) < quorum {
		return fmt.Errorf("consensus.predictor_urls needs at least %d predictors for fault_tolerance %d, got %d",
			quorum, c.Consensus.FaultTolerance, len(c.Consensus.PredictorURLs))
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval must be > 0")
	}
	if c.Gateway.HeartbeatMisses < 1 {
		return fmt.Errorf("gateway.heartbeat_misses must be >= 1, got %d", c.Gateway.HeartbeatMisses)
	}
	if c.Gateway.SendBuffer < 1 {
		return fmt.Errorf("gateway.send_buffer must be >= 1, got %d", c.Gateway.SendBuffer)
	}
	if c.Gateway.OfflineQueueMax < 1 {
		return fmt.Errorf("gateway.offline_queue_max must be >= 1, got %d", c.Gateway.OfflineQueueMax)
	}
	if c.Gateway.OfflineQueueAge <= 0 {
		return fmt.Errorf("gateway.offline_queue_age must be > 0")
	}
	return nil
}
