// Package config loads pipeline configuration from environment
// variables, with an optional YAML tuning profile for TTL and retry
// knobs.
package config

import "os"

// Config holds daemon configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	// LoopTypes the automation orchestrators should serve, e.g.
	// "procurement,production,transfer".
	LoopTypes string
	// ProfilePath points at an optional YAML tuning profile.
	ProfilePath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://replen@localhost:5432/replen?sslmode=disable"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	loopTypes := os.Getenv("LOOP_TYPES")
	if loopTypes == "" {
		loopTypes = "procurement,production,transfer"
	}

	return &Config{
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		RedisAddr:   redisAddr,
		LoopTypes:   loopTypes,
		ProfilePath: os.Getenv("PIPELINE_PROFILE"),
	}
}
