package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	DefaultLanguage string

	RateLimitPerMinute int
	RateLimitBurst     int

	// Outbox polling for the realtime push loop.
	PollInterval time.Duration
	BatchSize    int

	// Notification worker.
	WorkerConcurrency int
	SMSProvider       string
	WhatsAppProvider  string

	// Kiosk offline buffer.
	BufferPath   string
	SyncInterval time.Duration
	QueueAPIURL  string
	BranchID     string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		RedisURL:           os.Getenv("REDIS_URL"),
		DefaultLanguage:    readString("DEFAULT_LANGUAGE", "fr"),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		PollInterval:       readDurationSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 1),
		BatchSize:          readInt("OUTBOX_BATCH_SIZE", 100),
		WorkerConcurrency:  readInt("NOTIF_WORKER_CONCURRENCY", 5),
		SMSProvider:        readString("NOTIF_SMS_PROVIDER", "log"),
		WhatsAppProvider:   readString("NOTIF_WHATSAPP_PROVIDER", "log"),
		BufferPath:         readString("KIOSK_BUFFER_PATH", "checkins.yaml"),
		SyncInterval:       readDurationSeconds("KIOSK_SYNC_INTERVAL_SECONDS", 15),
		QueueAPIURL:        os.Getenv("QUEUE_API_URL"),
		BranchID:           os.Getenv("BRANCH_ID"),
	}
}

func readString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
