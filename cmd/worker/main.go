package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/engine"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/queue"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger/console"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		console.NewConsoleLogger(console.ConsoleLoggerParams{}).Fatal("Invalid configuration", "err", err)
	}

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	if cfg.Queue.URL == "" {
		logger.Fatal("RABBITMQ_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := engine.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to build query engines", "err", err)
	}
	defer rt.Close()

	conn, err := queue.Dial(cfg.Queue.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{cfg.Queue.Queue}); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	// Deliveries are handled one at a time; prefetch only bounds how many
	// wait unacknowledged on this consumer.
	if err := ch.Qos(cfg.Queue.Prefetch, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := ch.Consume(
		cfg.Queue.Queue,
		cfg.Queue.Queue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", cfg.Queue.Queue, "err", err)
	}

	worker := queue.NewWorker(queue.WorkerParams{
		Channel:    ch,
		Queue:      cfg.Queue.Queue,
		Engines:    rt.Engines,
		MaxRetries: cfg.Queue.MaxRetries,
		Timeout:    cfg.Server.QueryTimeout,
		Metrics:    rt.Model,
	})

	logger.Info("Listening for messages", "queue", cfg.Queue.Queue)
	if err := worker.Run(ctx, msgs); err != nil {
		logger.Error("Worker stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
