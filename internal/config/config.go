package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string
	AppEnv        string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StoreID       string

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	CheckoutLease        time.Duration
	AvailabilityCacheTTL time.Duration

	TaxRatePercent        decimal.Decimal
	PointsPerCurrencyUnit int64
	PointValueCents       int64

	KafkaBrokers          []string
	KafkaSalesTopic       string
	KafkaFulfillmentTopic string
	KafkaGroupID          string
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AppEnv:        getEnv("APP_ENV", "production"),
		AllowedOrigin: strings.TrimSpace(os.Getenv("ALLOWED_ORIGIN")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0, 0),
		StoreID:       getEnv("DEFAULT_STORE_ID", "main-store"),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		SessionTTL:           time.Duration(getInt("SESSION_TTL_MINUTES", 20, 1)) * time.Minute,
		SessionSweepInterval: time.Duration(getInt("SESSION_SWEEP_INTERVAL_SECONDS", 60, 1)) * time.Second,
		CheckoutLease:        time.Duration(getInt("CHECKOUT_LEASE_SECONDS", 120, 1)) * time.Second,
		AvailabilityCacheTTL: time.Duration(getInt("AVAILABILITY_CACHE_TTL_SECONDS", 5, 1)) * time.Second,

		TaxRatePercent:        getDecimal("TAX_RATE_PERCENT", decimal.Zero),
		PointsPerCurrencyUnit: int64(getInt("POINTS_PER_CURRENCY_UNIT", 1, 0)),
		PointValueCents:       int64(getInt("POINT_VALUE_CENTS", 1, 1)),

		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaSalesTopic:       getEnv("KAFKA_SALES_TOPIC", "pos.sales"),
		KafkaFulfillmentTopic: getEnv("KAFKA_FULFILLMENT_TOPIC", "orders.item-ready"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "pos-core"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "development", "dev", "local":
		return true
	}
	return false
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	parsed, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil || parsed.IsNegative() {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
