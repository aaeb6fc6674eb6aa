package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/engine"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/server"
	mid "github.com/OFFIS-RIT/kiwi/graphquery/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger/console"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		console.NewConsoleLogger(console.ConsoleLoggerParams{}).Fatal("Invalid configuration", "err", err)
	}

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		Prefix: "server",
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := engine.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to build query engines", "err", err)
	}
	defer rt.Close()

	app := &mid.App{
		Engines:      rt.Engines,
		QueryTimeout: cfg.Server.QueryTimeout,
		APIKey:       cfg.Server.APIKey,
	}
	if cfg.Server.AuthURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.Server.AuthURL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		app.Keyfunc = jwt.Keyfunc(k.Keyfunc)
	}

	e := server.New(app)
	logger.Info("Server listening", "port", cfg.Server.Port, "auth", app.Keyfunc != nil || app.APIKey != "")
	if err := server.Run(ctx, e, cfg.Server.Port); err != nil {
		logger.Error("Server stopped", "err", err)
	}
}
