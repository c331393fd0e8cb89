// Package config loads the Shrike configuration from YAML with
// environment overrides. Precedence: defaults < file < environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openpayroll/shrike/internal/domain"
)

// EnvConfigPath overrides where the config file is read from.
const EnvConfigPath = "SHRIKE_CONFIG"

// Load reads configuration for the given path. An empty path falls back
// to $SHRIKE_CONFIG, then ./shrike.yaml; a missing file is not an error,
// the defaults simply apply.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "./shrike.yaml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Pro tier defaults when the file only flips the tier
	if cfg.Tier == domain.TierPro && cfg.Repository.Driver == "" {
		*cfg = *domain.ProConfig()
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	envString(&cfg.Server.Host, "SHRIKE_SERVER_HOST")
	if err := envInt(&cfg.Server.Port, "SHRIKE_SERVER_PORT"); err != nil {
		return err
	}

	if tier := os.Getenv("SHRIKE_TIER"); tier != "" {
		cfg.Tier = domain.Tier(tier)
	}
	envString(&cfg.TenantID, "SHRIKE_TENANT_ID")

	envString(&cfg.Repository.Driver, "SHRIKE_DB_DRIVER")
	envString(&cfg.Repository.SQLitePath, "SHRIKE_SQLITE_PATH")
	envString(&cfg.Repository.PostgresHost, "SHRIKE_POSTGRES_HOST")
	if err := envInt(&cfg.Repository.PostgresPort, "SHRIKE_POSTGRES_PORT"); err != nil {
		return err
	}
	envString(&cfg.Repository.PostgresUser, "SHRIKE_POSTGRES_USER")
	envString(&cfg.Repository.PostgresPassword, "SHRIKE_POSTGRES_PASSWORD")
	envString(&cfg.Repository.PostgresDB, "SHRIKE_POSTGRES_DB")

	envString(&cfg.Source.Driver, "SHRIKE_SOURCE_DRIVER")
	envString(&cfg.Source.SQLitePath, "SHRIKE_SOURCE_SQLITE_PATH")
	envString(&cfg.Source.PostgresHost, "SHRIKE_SOURCE_POSTGRES_HOST")
	if err := envInt(&cfg.Source.PostgresPort, "SHRIKE_SOURCE_POSTGRES_PORT"); err != nil {
		return err
	}
	envString(&cfg.Source.PostgresUser, "SHRIKE_SOURCE_POSTGRES_USER")
	envString(&cfg.Source.PostgresPassword, "SHRIKE_SOURCE_POSTGRES_PASSWORD")
	envString(&cfg.Source.PostgresDB, "SHRIKE_SOURCE_POSTGRES_DB")

	envString(&cfg.Cache.Type, "SHRIKE_CACHE_TYPE")
	envString(&cfg.Cache.RedisAddr, "SHRIKE_REDIS_ADDR")
	envString(&cfg.Cache.RedisPassword, "SHRIKE_REDIS_PASSWORD")

	envString(&cfg.EventBus.Type, "SHRIKE_BUS_TYPE")
	envString(&cfg.EventBus.NATSUrl, "SHRIKE_NATS_URL")
	envString(&cfg.EventBus.NATSToken, "SHRIKE_NATS_TOKEN")

	if err := envInt(&cfg.Engine.ScanIntervalSecs, "SHRIKE_SCAN_INTERVAL_SECS"); err != nil {
		return err
	}
	envBool(&cfg.Engine.AutoScan, "SHRIKE_AUTO_SCAN")
	envString(&cfg.Engine.RefitCron, "SHRIKE_REFIT_CRON")
	if err := envInt64(&cfg.Engine.Seed, "SHRIKE_SEED"); err != nil {
		return err
	}
	if err := envFloat(&cfg.Engine.Threshold, "SHRIKE_THRESHOLD"); err != nil {
		return err
	}

	envString(&cfg.Logging.Level, "SHRIKE_LOG_LEVEL")
	envString(&cfg.Logging.Format, "SHRIKE_LOG_FORMAT")

	envBool(&cfg.Tracing.Enabled, "SHRIKE_TRACING_ENABLED")
	envString(&cfg.Tracing.Endpoint, "SHRIKE_TRACING_ENDPOINT")

	return nil
}

func validate(cfg *domain.Config) error {
	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		return fmt.Errorf("tier must be 'community' or 'pro', got '%s'", cfg.Tier)
	}
	if cfg.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}

	e := cfg.Engine
	if e.TreeCount <= 0 {
		return fmt.Errorf("engine.treeCount must be positive, got %d", e.TreeCount)
	}
	if e.SubsampleSize <= 0 {
		return fmt.Errorf("engine.subsampleSize must be positive, got %d", e.SubsampleSize)
	}
	if e.TrainingSize <= 0 {
		return fmt.Errorf("engine.trainingSize must be positive, got %d", e.TrainingSize)
	}
	if e.Threshold <= 0 || e.Threshold >= 1 {
		return fmt.Errorf("engine.threshold must be in (0, 1), got %g", e.Threshold)
	}
	if e.ScanIntervalSecs <= 0 {
		return fmt.Errorf("engine.scanIntervalSecs must be positive, got %d", e.ScanIntervalSecs)
	}
	if e.EscalationCutoff < 0 || e.EscalationCutoff > 100 {
		return fmt.Errorf("engine.escalationCutoff must be in [0, 100], got %g", e.EscalationCutoff)
	}

	return nil
}

func envString(field *string, key string) {
	if val := os.Getenv(key); val != "" {
		*field = val
	}
}

func envInt(field *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envInt64(field *int64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envFloat(field *float64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envBool(field *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}
