package config

import (
	"time"

	"listing-chat/internal/utils"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	EntitlementOpen     = "open"
	EntitlementEnforced = "enforced"
)

// Presence grace is kept inside this window so a misconfiguration can neither
// flap presence nor leave a closed tab "online" for minutes.
const (
	minPresenceGrace = 5 * time.Second
	maxPresenceGrace = 15 * time.Second
)

type Config struct {
	Port        string
	Environment string

	DatabaseURL string
	StoreDriver string
	// MemorySeed is a JSON seed file loaded into the memory driver.
	MemorySeed string

	RedisURL string
	CacheTTL time.Duration

	JWTSecret  string
	JWTTTL     time.Duration
	RefreshTTL time.Duration

	MessageMaxLength int
	PageDefaultLimit int
	PageMaxLimit     int

	PresenceGrace   time.Duration
	OpTimeout       time.Duration
	TypingInterval  time.Duration
	OutboxSoftLimit int
	OutboxHardLimit int

	EntitlementMode string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	_ = utils.LoadEnv()

	cfg := &Config{
		Port:        utils.GetEnv("PORT", "3001"),
		Environment: utils.GetEnv("ENVIRONMENT", "development"),

		DatabaseURL: databaseURL(),
		StoreDriver: utils.GetEnv("STORE_DRIVER", StoreDriverPostgres),
		MemorySeed:  utils.GetEnv("MEMORY_SEED", ""),

		RedisURL: utils.GetEnv("REDIS_URL", ""),
		CacheTTL: utils.GetEnvDuration("CACHE_TTL", 5*time.Minute),

		JWTSecret:  utils.GetEnv("JWT_SECRET", "secret"),
		JWTTTL:     utils.GetEnvDuration("JWT_TTL", 72*time.Hour),
		RefreshTTL: utils.GetEnvDuration("REFRESH_TTL", 720*time.Hour),

		MessageMaxLength: utils.GetEnvInt("MESSAGE_MAX_LENGTH", 4000),
		PageDefaultLimit: utils.GetEnvInt("PAGE_DEFAULT_LIMIT", 30),
		PageMaxLimit:     utils.GetEnvInt("PAGE_MAX_LIMIT", 100),

		PresenceGrace:   clampGrace(utils.GetEnvDuration("PRESENCE_GRACE", 10*time.Second)),
		OpTimeout:       utils.GetEnvDuration("OP_TIMEOUT", 8*time.Second),
		TypingInterval:  utils.GetEnvDuration("TYPING_INTERVAL", time.Second),
		OutboxSoftLimit: utils.GetEnvInt("OUTBOX_SOFT_LIMIT", 64),
		OutboxHardLimit: utils.GetEnvInt("OUTBOX_HARD_LIMIT", 256),

		EntitlementMode: utils.GetEnv("ENTITLEMENT_MODE", EntitlementOpen),
		ShutdownTimeout: utils.GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.StoreDriver != StoreDriverMemory {
		cfg.StoreDriver = StoreDriverPostgres
	}
	if cfg.EntitlementMode != EntitlementEnforced {
		cfg.EntitlementMode = EntitlementOpen
	}
	if cfg.PageDefaultLimit <= 0 {
		cfg.PageDefaultLimit = 30
	}
	if cfg.PageMaxLimit < cfg.PageDefaultLimit {
		cfg.PageMaxLimit = cfg.PageDefaultLimit
	}
	if cfg.OutboxHardLimit < cfg.OutboxSoftLimit {
		cfg.OutboxHardLimit = cfg.OutboxSoftLimit
	}

	return cfg, nil
}

// IsDevelopment reports whether debug logging and permissive defaults apply.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func databaseURL() string {
	connString := utils.GetEnv("DATABASE_URL", "")
	if connString != "" {
		return connString
	}
	// Fallback to individual vars
	return "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
		utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
		utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
		utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
		utils.GetEnv("POSTGRES_DB", "chatdb") + "?sslmode=disable"
}

func clampGrace(d time.Duration) time.Duration {
	if d < minPresenceGrace {
		return minPresenceGrace
	}
	if d > maxPresenceGrace {
		return maxPresenceGrace
	}
	return d
}
