package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-credential-orders/internal/app"
	"github.com/ariefcatur/go-credential-orders/internal/config"
	"github.com/ariefcatur/go-credential-orders/internal/gateway"
	kafkax "github.com/ariefcatur/go-credential-orders/internal/kafka"
	"github.com/ariefcatur/go-credential-orders/internal/redisx"
	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(os.Stderr, "webhooks ", log.LstdFlags|log.LUTC)

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}
	if cfg.StorageDriver == config.DriverMemory {
		logger.Fatal("the memory store is per process; run the webhook consumer against postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}
	defer a.Close()

	prodCtx, stopProducer := context.WithCancel(context.Background())
	prodDone := make(chan error, 1)
	go func() { prodDone <- a.Producer.Run(prodCtx) }()

	var dedup gateway.Deduper
	if a.Redis != nil {
		dedup = redisx.NewDeduper(a.Redis, cfg.ServiceName)
	}
	handler := gateway.NewConsumer(a.Payments, dedup, logger)

	deadLetter := func(ctx context.Context, m kafkago.Message) error {
		return a.Producer.Write(ctx, cfg.GatewayDeadLetterTopic, m.Key, m.Value, m.Headers...)
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.GatewayGroup, cfg.GatewayTopic, cfg.GatewayWorkers,
		kafkax.WithRetry(cfg.GatewayMaxAttempts, 0),
		kafkax.WithDeadLetter(deadLetter),
	)
	logger.Printf("consuming topic=%s group=%s workers=%d", cfg.GatewayTopic, cfg.GatewayGroup, cfg.GatewayWorkers)
	if err := cons.Start(ctx, handler.HandleCallback); err != nil {
		logger.Printf("consumer stopped: %v", err)
	}

	stopProducer()
	if err := <-prodDone; err != nil {
		logger.Printf("producer close: %v", err)
	}
}
