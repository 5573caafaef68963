package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/docgraph/internal/app"
	"github.com/OFFIS-RIT/docgraph/internal/config"
	"github.com/OFFIS-RIT/docgraph/internal/queue"
	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "config file (default etl_config.yaml if present)")
	flag.Parse()

	util.LoadEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	app.InitLogger(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize pipeline", "err", err)
	}
	defer a.Close()

	// Init rabbitmq
	conn, err := queue.Dial(ctx, cfg.AMQPURL)
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, cfg.IngestQueue); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	// A separate consumer channel with prefetch=1 keeps one document in
	// flight per worker.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		cfg.IngestQueue,
		cfg.IngestQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", cfg.IngestQueue, "err", err)
	}

	worker := queue.NewWorker(ch, a.Pipeline, cfg.IngestQueue)
	worker.Observe = func(result string) {
		a.Metrics.QueueMessages.WithLabelValues(result).Inc()

		usage := a.AI.GetMetrics()
		logger.Info(
			"AI Metrics",
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
			"total_tokens", usage.TotalTokens,
			"duration", (time.Duration(usage.DurationMs) * time.Millisecond).Round(time.Second),
		)
		a.AI.ResetMetrics()
	}

	logger.Info("Listening for messages", "queue", cfg.IngestQueue, "run_id", a.Pipeline.RunID())
	started := time.Now()
	worker.Run(ctx, msgs)
	logger.Info("Shutdown signal received, exiting...", "uptime", time.Since(started).Round(time.Second))
}
