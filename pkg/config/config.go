package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Complaints ComplaintsConfig
	Realtime   RealtimeConfig
	Cleanup    CleanupConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ComplaintsConfig tunes the complaint lifecycle engine and its attachment storage.
type ComplaintsConfig struct {
	StorageDir          string
	MaxAttachments      int
	MaxAttachmentBytes  int64
	AllowedMIMEs        []string
	StrictTransitions   bool
	SignedURLSecret     string
	SignedURLTTL        time.Duration
	CacheEnabled        bool
	CacheTTL            time.Duration
	OrphanSweepSchedule string
	OrphanGracePeriod   time.Duration
}

// RealtimeConfig controls the websocket fan-out hub.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	SendBuffer        int
	BroadcastBuffer   int
	RedisRelay        bool
	RelayChannel      string
}

// CleanupConfig sizes the background worker retrying failed file deletions.
type CleanupConfig struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxAttachmentBytes := v.GetInt64("COMPLAINTS_MAX_ATTACHMENT_SIZE")
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = 5 * 1024 * 1024
	}
	maxAttachments := v.GetInt("COMPLAINTS_MAX_ATTACHMENTS")
	if maxAttachments <= 0 {
		maxAttachments = 10
	}
	cfg.Complaints = ComplaintsConfig{
		StorageDir:          v.GetString("COMPLAINTS_STORAGE_DIR"),
		MaxAttachments:      maxAttachments,
		MaxAttachmentBytes:  maxAttachmentBytes,
		AllowedMIMEs:        splitAndTrim(v.GetString("COMPLAINTS_ALLOWED_MIME_TYPES")),
		StrictTransitions:   v.GetBool("COMPLAINTS_STRICT_TRANSITIONS"),
		SignedURLSecret:     v.GetString("COMPLAINTS_SIGNED_URL_SECRET"),
		SignedURLTTL:        parseDuration(v.GetString("COMPLAINTS_SIGNED_URL_TTL"), 15*time.Minute),
		CacheEnabled:        v.GetBool("COMPLAINTS_CACHE_ENABLED"),
		CacheTTL:            parseDuration(v.GetString("COMPLAINTS_CACHE_TTL"), 5*time.Minute),
		OrphanSweepSchedule: v.GetString("COMPLAINTS_ORPHAN_SWEEP_SCHEDULE"),
		OrphanGracePeriod:   parseDuration(v.GetString("COMPLAINTS_ORPHAN_GRACE_PERIOD"), 24*time.Hour),
	}

	cfg.Realtime = RealtimeConfig{
		HeartbeatInterval: parseDuration(v.GetString("REALTIME_HEARTBEAT_INTERVAL"), 30*time.Second),
		PongTimeout:       parseDuration(v.GetString("REALTIME_PONG_TIMEOUT"), 60*time.Second),
		SendBuffer:        v.GetInt("REALTIME_SEND_BUFFER"),
		BroadcastBuffer:   v.GetInt("REALTIME_BROADCAST_BUFFER"),
		RedisRelay:        v.GetBool("REALTIME_REDIS_RELAY"),
		RelayChannel:      v.GetString("REALTIME_RELAY_CHANNEL"),
	}

	cfg.Cleanup = CleanupConfig{
		Workers:    v.GetInt("CLEANUP_WORKERS"),
		MaxRetries: v.GetInt("CLEANUP_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("CLEANUP_RETRY_DELAY"), 30*time.Second),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "complaint_desk")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("COMPLAINTS_STORAGE_DIR", "./uploads/complaints")
	v.SetDefault("COMPLAINTS_MAX_ATTACHMENTS", 10)
	v.SetDefault("COMPLAINTS_MAX_ATTACHMENT_SIZE", 5*1024*1024)
	v.SetDefault("COMPLAINTS_ALLOWED_MIME_TYPES", "image/jpeg,image/png,image/gif,application/pdf,application/msword,application/vnd.openxmlformats-officedocument.wordprocessingml.document,text/plain")
	v.SetDefault("COMPLAINTS_STRICT_TRANSITIONS", true)
	v.SetDefault("COMPLAINTS_SIGNED_URL_SECRET", "dev_attachments_secret")
	v.SetDefault("COMPLAINTS_SIGNED_URL_TTL", "15m")
	v.SetDefault("COMPLAINTS_CACHE_ENABLED", false)
	v.SetDefault("COMPLAINTS_CACHE_TTL", "5m")
	v.SetDefault("COMPLAINTS_ORPHAN_SWEEP_SCHEDULE", "@every 1h")
	v.SetDefault("COMPLAINTS_ORPHAN_GRACE_PERIOD", "24h")

	v.SetDefault("REALTIME_HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("REALTIME_PONG_TIMEOUT", "60s")
	v.SetDefault("REALTIME_SEND_BUFFER", 64)
	v.SetDefault("REALTIME_BROADCAST_BUFFER", 256)
	v.SetDefault("REALTIME_REDIS_RELAY", false)
	v.SetDefault("REALTIME_RELAY_CHANNEL", "complaints:events")

	v.SetDefault("CLEANUP_WORKERS", 1)
	v.SetDefault("CLEANUP_MAX_RETRIES", 5)
	v.SetDefault("CLEANUP_RETRY_DELAY", "30s")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
