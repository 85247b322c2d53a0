// Package config holds the flat, flag-plus-environment configuration
// struct for the relay process, in the teacher's getEnv idiom
// (cmd/app/main.go's smtpFrom/smtpPass/dbDSN overrides generalized to every
// tunable this module's ambient stack needs).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved process configuration, built once at
// startup by cmd/relayd and threaded down to every component that needs a
// tunable rather than read from the environment ad hoc.
type Config struct {
	Port          int
	DataDir       string
	UploadDir     string
	MaxMemoryMB   int64
	MaxConcurrent int

	DatabaseURL string
	SMTPFrom    string
	SMTPPass    string

	AdminTokenHash string // bcrypt hash; empty disables the admin auth gate

	BroadcastInterval time.Duration
}

// FromEnv builds a Config from environment variables, falling back to the
// spec's defaults for anything unset — the same getEnv-with-fallback
// pattern the teacher's cmd/app/main.go uses for SMTP_FROM/SMTP_PASS/
// DATABASE_URL.
func FromEnv() Config {
	return Config{
		Port:          getEnvInt("PORT", 80),
		DataDir:       getEnv("DATA_DIR", "./data"),
		UploadDir:     getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxMemoryMB:   getEnvInt64("MAX_MEMORY_MB", 500),
		MaxConcurrent: int(getEnvInt64("MAX_CONCURRENT_TRANSFERS", 5)),
		DatabaseURL: getEnv("DATABASE_URL",
			"host=127.0.0.1 port=5432 user=relaydrop password=relaydrop dbname=relaydrop sslmode=disable"),
		SMTPFrom:          getEnv("SMTP_FROM", ""),
		SMTPPass:          getEnv("SMTP_PASS", ""),
		AdminTokenHash:    getEnv("ADMIN_TOKEN_HASH", ""),
		BroadcastInterval: 3 * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	return int(getEnvInt64(key, int64(fallback)))
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
