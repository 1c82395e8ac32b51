package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	Timezone              string
	ClosingHour           int
	ClosingMinute         int
	DiscrepancyAlertLimit string
	ComandaExpiryMinutes  int
	SideEffectQueueSize   int
	SchedulerLogCapacity  int
}

func Load() Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		Timezone:              getEnv("TIMEZONE", "America/Lima"),
		ClosingHour:           getEnvInt("CLOSING_HOUR", 23, 0),
		ClosingMinute:         getEnvInt("CLOSING_MINUTE", 59, 0),
		DiscrepancyAlertLimit: getEnv("DISCREPANCY_ALERT_LIMIT", "0.50"),
		ComandaExpiryMinutes:  getEnvInt("COMANDA_EXPIRY_MINUTES", 30, 1),
		SideEffectQueueSize:   getEnvInt("SIDE_EFFECT_QUEUE_SIZE", 64, 1),
		SchedulerLogCapacity:  getEnvInt("SCHEDULER_LOG_CAPACITY", 200, 1),
	}

	if cfg.ClosingHour > 23 {
		cfg.ClosingHour = 23
	}
	if cfg.ClosingMinute > 59 {
		cfg.ClosingMinute = 59
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}
