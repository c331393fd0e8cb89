package domain

// Config holds the complete Shrike configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines feature availability
	Tier Tier `yaml:"tier"`

	// TenantID this engine instance serves. Callers hold one engine
	// instance per tenant; cross-tenant state never mixes.
	TenantID string `yaml:"tenantId"`

	// Engine holds detection and escalation tunables
	Engine EngineConfig `yaml:"engine"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Source points at the payroll application's database. Read-only;
	// Shrike never writes to it.
	Source RepositoryConfig `yaml:"source"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// EngineConfig holds detection, reputation and scheduling tunables.
//
// The forest is trained on a synthetic prior, not observed history:
// "normal" is a designed policy (plausible clock-ins 7-10, shifts
// 6-9.5h, weekday bias, pay-type-correlated rates), and these knobs are
// how that policy is tuned.
type EngineConfig struct {
	// Isolation forest hyperparameters
	TreeCount     int     `yaml:"treeCount"`     // ensemble size
	SubsampleSize int     `yaml:"subsampleSize"` // psi
	TrainingSize  int     `yaml:"trainingSize"`  // synthetic prior size
	Seed          int64   `yaml:"seed"`          // 0 = time-based
	Threshold     float64 `yaml:"threshold"`     // detection threshold on s(x)

	// Escalation and reputation policy
	EscalationCutoff float64 `yaml:"escalationCutoff"` // reputation below this -> automatic mitigation
	DefaultScore     float64 `yaml:"defaultScore"`     // reputation for unseen employees
	RebalancePenalty float64 `yaml:"rebalancePenalty"`
	ReviewPenalty    float64 `yaml:"reviewPenalty"`
	CleanRecovery    float64 `yaml:"cleanRecovery"`

	// Scheduling
	ScanIntervalSecs int    `yaml:"scanIntervalSecs"`
	AutoScan         bool   `yaml:"autoScan"`
	RefitCron        string `yaml:"refitCron"` // optional cron expression for model refresh, "" = never

	// Concurrency cap for per-employee collaborator fetches
	FetchWorkers int `yaml:"fetchWorkers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"serviceName"`
	ExporterType string `yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `yaml:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the stock detection policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TreeCount:        100,
		SubsampleSize:    256,
		TrainingSize:     300,
		Threshold:        0.55,
		EscalationCutoff: 40,
		DefaultScore:     75,
		RebalancePenalty: 8,
		ReviewPenalty:    4,
		CleanRecovery:    0.5,
		ScanIntervalSecs: 60,
		AutoScan:         true,
		FetchWorkers:     8,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:     TierCommunity,
		TenantID: "default",
		Engine:   DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./shrike.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Source: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./payroll.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "shrike",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "shrike",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
