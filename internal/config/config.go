package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database (delivery preferences)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (durable event store + rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS ingest
	SQSRegion   string
	SQSQueueURL string

	// AWS delivery channels
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Webhook delivery
	WebhookTimeout time.Duration

	// Realtime connection
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// Queue
	MaxRetries  int
	MaxEventAge time.Duration

	// Scheduler
	TickInterval time.Duration
	BatchWindow  time.Duration

	// Dispatcher
	DispatchConcurrency int
	DispatchTimeout     time.Duration

	// Producer rate limiting
	RateLimit       int
	RateLimitWindow time.Duration

	// Preference cache
	PrefsCacheTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		WebhookTimeout: 30 * time.Second,

		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    2 * time.Minute,
		ReconnectMaxAttempts: 5,

		MaxRetries:  3,
		MaxEventAge: 24 * time.Hour,

		TickInterval: 30 * time.Second,
		BatchWindow:  2 * time.Hour,

		DispatchConcurrency: 4,
		DispatchTimeout:     5 * time.Second,

		RateLimit:       100,
		RateLimitWindow: time.Minute,

		PrefsCacheTTL: 5 * time.Minute,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts},
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"DISPATCH_CONCURRENCY", &cfg.DispatchConcurrency},
		{"RATE_LIMIT", &cfg.RateLimit},
	}
	for _, v := range intVars {
		if err := loadInt(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	durationVars := []struct {
		name string
		dst  *time.Duration
	}{
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout},
		{"CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"RECONNECT_BASE_DELAY", &cfg.ReconnectBaseDelay},
		{"RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay},
		{"MAX_EVENT_AGE", &cfg.MaxEventAge},
		{"TICK_INTERVAL", &cfg.TickInterval},
		{"BATCH_WINDOW", &cfg.BatchWindow},
		{"DISPATCH_TIMEOUT", &cfg.DispatchTimeout},
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"PREFS_CACHE_TTL", &cfg.PrefsCacheTTL},
	}
	for _, v := range durationVars {
		if err := loadDuration(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func loadDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}
