package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v82"

	"mousekit.app/cloud/handlers"
	"mousekit.app/cloud/internal/config"
	"mousekit.app/cloud/internal/email"
	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/jobs"
	"mousekit.app/cloud/mailer"
	"mousekit.app/cloud/reconciler"
	"mousekit.app/cloud/storage"
	"mousekit.app/cloud/stream"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	stripe.Key = cfg.StripeSecret

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	db, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}
	defer db.Close()

	mail := &email.SMTPMailer{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}

	consumers := []stream.Consumer{
		reconciler.New(db, cfg.PaymentFailureLimit),
		mailer.NewDispatcher(db, mail, cfg.EmailFrom),
	}

	relayOpts := []stream.Option{
		stream.WithInterval(cfg.RelayInterval),
		stream.WithBatchSize(cfg.RelayBatchSize),
	}
	if len(cfg.KafkaBrokers) > 0 {
		// Changes go out through Kafka; a listener on the same topic runs
		// the consumers so relay and workers can be split later.
		publisher := stream.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		relayOpts = append(relayOpts, stream.WithPublisher(publisher))

		listener := stream.NewKafkaListener(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, consumers)
		defer listener.Close()
		go func() {
			if err := listener.Run(context.Background()); err != nil {
				logger.Error("Kafka listener stopped", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	relay := stream.NewRelay(db, consumers, relayOpts...)
	relay.Start()
	defer relay.Stop()

	runner := jobs.NewRunner(db, mail, cfg.EmailFrom)
	scheduler := jobs.NewScheduler(runner, jobs.DefaultSchedule())
	scheduler.Start()
	defer scheduler.Stop()

	server := handlers.NewServer(db, runner, relay.Stats(), cfg.StripeWebhookSecret, version)

	logger.Info("MouseKit Cloud starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
