package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values
type Config struct {
	// HTTP
	HTTPAddr string

	// PostgreSQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBURL      string
	DBCACert   string

	// Kafka
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
	KafkaCACert  string
	KafkaCert    string // optional client cert
	KafkaKey     string // optional client key

	// MQTT broadcast broker (optional; empty URL means in-process only)
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string

	// How often the broadcast switch rechecks broker connectivity
	BroadcastProbeInterval time.Duration
}

func LoadConfig(ctx context.Context) *Config {
	// Load .env if exists
	_ = godotenv.Load() // ignore error, fallback to env vars

	cfg := &Config{
		HTTPAddr: os.Getenv("HTTP_ADDR"),

		DBHost:     os.Getenv("POSTGRES_HOST"),
		DBPort:     os.Getenv("POSTGRES_PORT"),
		DBUser:     os.Getenv("POSTGRES_USER"),
		DBPassword: os.Getenv("POSTGRES_PASSWORD"),
		DBName:     os.Getenv("POSTGRES_DB"),
		DBURL:      os.Getenv("DATABASE_URL"),
		DBCACert:   os.Getenv("POSTGRES_CA_CERT"),

		KafkaBrokers: strings.Split(os.Getenv("KAFKA_BROKER"), ","),
		KafkaTopic:   os.Getenv("KAFKA_TOPIC"),
		KafkaGroupID: os.Getenv("KAFKA_GROUP_ID"),
		KafkaCACert:  os.Getenv("KAFKA_CA_CERT"),
		KafkaCert:    os.Getenv("KAFKA_CLIENT_CERT"),
		KafkaKey:     os.Getenv("KAFKA_CLIENT_KEY"),

		MQTTBrokerURL: os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:  os.Getenv("MQTT_CLIENT_ID"),
		MQTTUsername:  os.Getenv("MQTT_USERNAME"),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8000"
	}
	if cfg.DBPort == "" {
		cfg.DBPort = "5432"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "device-events"
	}
	if cfg.KafkaGroupID == "" {
		cfg.KafkaGroupID = "paxcount"
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = fmt.Sprintf("paxcount-%d", os.Getpid())
	}

	cfg.BroadcastProbeInterval = 15 * time.Second
	if v := os.Getenv("BROADCAST_PROBE_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.BroadcastProbeInterval = time.Duration(secs) * time.Second
		}
	}

	// Build DB URL if not provided
	if cfg.DBURL == "" {
		sslmode := "disable"
		if cfg.DBCACert != "" {
			sslmode = "verify-full"
		}
		cfg.DBURL = fmt.Sprintf(
			"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, sslmode,
		)
	}

	return cfg
}
