/*
Package config loads runtime settings for cmd/server.

A .env file in the working directory is applied first (absent is fine),
then the KRONOS_* environment variables; command-line flags override both.
*/
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is everything the server needs to boot.
type Config struct {
	Port          string // HTTP listen port
	DBPath        string // sqlite file, ":memory:" for ephemeral
	LogLevel      string // zerolog level name
	LogFile       string // when set, JSON logs rotate here
	BaseURL       string // externally reachable base for callback URLs
	RetentionDays int    // how long terminal approvals are kept
	JobsEnabled   bool   // background scheduler on/off
	Demo          bool   // seed demo data on boot
}

// Load reads .env if present, then the environment.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:          getenv("KRONOS_PORT", "8080"),
		DBPath:        getenv("KRONOS_DB", "kronos.db"),
		LogLevel:      getenv("KRONOS_LOG_LEVEL", "info"),
		LogFile:       getenv("KRONOS_LOG_FILE", ""),
		BaseURL:       getenv("KRONOS_BASE_URL", ""),
		RetentionDays: getint("KRONOS_RETENTION_DAYS", 730),
		JobsEnabled:   getbool("KRONOS_JOBS_ENABLED", true),
		Demo:          getbool("KRONOS_DEMO", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
