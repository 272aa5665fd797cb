package app

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/cmdledger/internal/data/db"
	"github.com/yungbote/cmdledger/internal/observability"
)

const (
	RoleOrchestrator = "orchestrator"
	RoleNode         = "node"
	// RoleStandalone runs the orchestrator and every roster node in one
	// process over in-memory transports.
	RoleStandalone = "standalone"
)

type Config struct {
	Role       string   `env:"ROLE" envDefault:"orchestrator"`
	InstanceID string   `env:"INSTANCE_ID"`
	NodeID     string   `env:"NODE_ID"`
	NodeIDs    []string `env:"NODE_IDS" envSeparator:","`
	RosterFile string   `env:"ROSTER_FILE"`

	DBDriver         string `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseDSN      string `env:"DATABASE_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresName     string `env:"POSTGRES_NAME" envDefault:"cmdledger"`
	DBMaxOpenConns   int    `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RequestQueuePattern  string `env:"REQUEST_QUEUE_PATTERN" envDefault:"cc.request."`
	ResponseQueuePattern string `env:"RESPONSE_QUEUE_PATTERN" envDefault:"cc.response."`
	AggregatorChannel    string `env:"AGGREGATOR_CHANNEL" envDefault:"cc.aggregator"`

	BroadcastTimeout time.Duration `env:"BROADCAST_TIMEOUT" envDefault:"30s"`
	PendingCapacity  int           `env:"PENDING_CAPACITY" envDefault:"10000"`
	PendingTTL       time.Duration `env:"PENDING_TTL" envDefault:"5m"`

	ExecutorPollInterval time.Duration `env:"EXECUTOR_POLL_INTERVAL" envDefault:"50ms"`
	ExecutorAwaitTimeout time.Duration `env:"EXECUTOR_AWAIT_TIMEOUT" envDefault:"10s"`
	ExecutorStaleAfter   time.Duration `env:"EXECUTOR_STALE_AFTER" envDefault:"5m"`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	EmitTimeout          time.Duration `env:"EMIT_TIMEOUT" envDefault:"30s"`

	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	LogMode        string `env:"LOG_MODE" envDefault:"development"`

	OtelEnabled     bool              `env:"OTEL_ENABLED" envDefault:"false"`
	OtelServiceName string            `env:"OTEL_SERVICE_NAME" envDefault:"cmdledger"`
	OtelEndpoint    string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelInsecure    bool              `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	OtelHeaders     map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS" envSeparator:"," envKeyValSeparator:"="`
	OtelSampleRatio float64           `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
	Environment     string            `env:"ENVIRONMENT" envDefault:"development"`
	Version         string            `env:"VERSION" envDefault:"dev"`
}

// LoadConfig parses the environment and validates the result for cfg.Role.
func LoadConfig() (Config, error) {
	cfg, err := ParseConfig()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig parses the environment and applies the roster file without
// role checks.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Role = strings.ToLower(strings.TrimSpace(cfg.Role))
	if strings.TrimSpace(cfg.RosterFile) != "" {
		ids, err := loadRoster(cfg.RosterFile)
		if err != nil {
			return Config{}, err
		}
		cfg.NodeIDs = ids
	}
	cfg.NodeIDs = normalizeNodeIDs(cfg.NodeIDs)
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Role {
	case RoleOrchestrator, RoleStandalone:
		if len(c.NodeIDs) == 0 {
			return fmt.Errorf("%s role needs NODE_IDS or ROSTER_FILE", c.Role)
		}
	case RoleNode:
		if c.NodeID == "" {
			return fmt.Errorf("node role needs NODE_ID")
		}
	default:
		return fmt.Errorf("unknown ROLE %q", c.Role)
	}
	if c.Role != RoleStandalone && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("%s role needs REDIS_ADDR", c.Role)
	}
	if strings.TrimSpace(c.RequestQueuePattern) == "" || strings.TrimSpace(c.ResponseQueuePattern) == "" {
		return fmt.Errorf("queue patterns must not be blank")
	}
	if c.RequestQueuePattern == c.ResponseQueuePattern {
		return fmt.Errorf("request and response queue patterns must differ")
	}
	if c.BroadcastTimeout <= 0 {
		return fmt.Errorf("BROADCAST_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) DBOptions() db.Options {
	return db.Options{
		Driver:           c.DBDriver,
		DSN:              c.DatabaseDSN,
		PostgresHost:     c.PostgresHost,
		PostgresPort:     c.PostgresPort,
		PostgresUser:     c.PostgresUser,
		PostgresPassword: c.PostgresPassword,
		PostgresName:     c.PostgresName,
		MaxOpenConns:     c.DBMaxOpenConns,
	}
}

func (c Config) OtelConfig() observability.OtelConfig {
	return observability.OtelConfig{
		Enabled:     c.OtelEnabled,
		ServiceName: c.OtelServiceName,
		Environment: c.Environment,
		Version:     c.Version,
		Endpoint:    c.OtelEndpoint,
		Insecure:    c.OtelInsecure,
		Headers:     c.OtelHeaders,
		SampleRatio: c.OtelSampleRatio,
	}
}

// rosterFile is the ROSTER_FILE layout:
//
//	nodes:
//	  - id: node-1
//	  - id: node-2
type rosterFile struct {
	Nodes []struct {
		ID string `yaml:"id"`
	} `yaml:"nodes"`
}

func loadRoster(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var rf rosterFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	ids := make([]string, 0, len(rf.Nodes))
	for _, n := range rf.Nodes {
		ids = append(ids, n.ID)
	}
	if len(normalizeNodeIDs(ids)) != len(ids) {
		return nil, fmt.Errorf("roster %s has blank or duplicate node ids", path)
	}
	return ids, nil
}

// normalizeNodeIDs trims, drops blanks and duplicates, and sorts.
func normalizeNodeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
