package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	// Storage backend: memory|sqlite|postgres|redis
	StorageDriver string
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LTI key material + state secret
	PrivateKeyFile string // PEM, PKCS#1 or PKCS#8
	KeyID          string
	StateSecret    string

	NonceTTL   time.Duration
	StateTTL   time.Duration
	SessionTTL time.Duration

	EnableAdmin        bool
	EnableRegistration bool
	AdminUser          string
	AdminPassHash      string // bcrypt

	CORSOrigins []string

	LogLevel  string
	LogPretty bool
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:  addr,
		PublicURL: strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),

		StorageDriver: envOr("STORAGE_DRIVER", "memory"),
		DBDSN:         envOr("DB_DSN", ""),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		PrivateKeyFile: envOr("LTI_PRIVATE_KEY_FILE", ""),
		KeyID:          envOr("LTI_KEY_ID", "main"),
		StateSecret:    os.Getenv("LTI_STATE_SECRET"),

		NonceTTL:   envDur("LTI_NONCE_TTL", 10*time.Minute),
		StateTTL:   envDur("LTI_STATE_TTL", 10*time.Minute),
		SessionTTL: envDur("LTI_SESSION_TTL", 24*time.Hour),

		EnableAdmin:        envBool("ENABLE_ADMIN", true),
		EnableRegistration: envBool("ENABLE_REGISTRATION", true),
		AdminUser:          envOr("ADMIN_USER", "admin"),
		AdminPassHash:      os.Getenv("ADMIN_PASS_HASH"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogPretty: envBool("LOG_PRETTY", false),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
