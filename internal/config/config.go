package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string

	DatabasePath string

	StripeSecret        string
	StripeWebhookSecret string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	// PaymentFailureLimit is how many failed payments suspend licenses.
	PaymentFailureLimit int

	// Relay tuning.
	RelayInterval  time.Duration
	RelayBatchSize int

	// Optional Kafka transport for the change stream. Empty brokers means
	// in-process delivery.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	SentryDSN string
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		return nil, errors.New("DATABASE_PATH environment variable is required")
	}

	stripeSecret := os.Getenv("STRIPE_SECRET_KEY")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET_KEY environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "hello@mousekit.app"
	}

	failureLimit := 3
	if v := os.Getenv("PAYMENT_FAILURE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.New("PAYMENT_FAILURE_LIMIT must be a positive integer")
		}
		failureLimit = n
	}

	relayInterval := 2 * time.Second
	if v := os.Getenv("RELAY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("RELAY_INTERVAL must be a duration like 2s")
		}
		relayInterval = d
	}

	relayBatchSize := 25
	if v := os.Getenv("RELAY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.New("RELAY_BATCH_SIZE must be a positive integer")
		}
		relayBatchSize = n
	}

	var kafkaBrokers []string
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		kafkaBrokers = strings.Split(v, ",")
	}
	kafkaTopic := os.Getenv("KAFKA_TOPIC")
	if kafkaTopic == "" {
		kafkaTopic = "mousekit.changes"
	}
	kafkaGroupID := os.Getenv("KAFKA_GROUP_ID")
	if kafkaGroupID == "" {
		kafkaGroupID = "mousekit-cloud"
	}

	return &Config{
		Port:                port,
		DatabasePath:        dbPath,
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            os.Getenv("SMTP_PORT"),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		EmailFrom:           emailFrom,
		PaymentFailureLimit: failureLimit,
		RelayInterval:       relayInterval,
		RelayBatchSize:      relayBatchSize,
		KafkaBrokers:        kafkaBrokers,
		KafkaTopic:          kafkaTopic,
		KafkaGroupID:        kafkaGroupID,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
	}, nil
}
