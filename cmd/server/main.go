package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/docgraph/internal/app"
	"github.com/OFFIS-RIT/docgraph/internal/config"
	"github.com/OFFIS-RIT/docgraph/internal/metrics"
	"github.com/OFFIS-RIT/docgraph/internal/queue"
	"github.com/OFFIS-RIT/docgraph/internal/server"
	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
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
	app.InitLogger(cfg, "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var key jwt.Keyfunc
	if cfg.JWKSURL != "" {
		key, err = server.NewJWKS(cfg.JWKSURL)
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
	} else if cfg.MasterAPIKey == "" {
		logger.Warn("Neither jwks_url nor master_api_key is set, every request will be rejected")
	}

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

	m := metrics.Default()
	e := server.New(server.Params{
		Queue:        ch,
		QueueName:    cfg.IngestQueue,
		Key:          key,
		MasterAPIKey: cfg.MasterAPIKey,
		Gatherer:     prometheus.DefaultGatherer,
		Enqueued:     func() { m.QueueMessages.WithLabelValues("enqueued").Inc() },
	})

	if err := server.Serve(ctx, e, cfg.ServerAddr); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}
