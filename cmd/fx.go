package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/auth"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
	"github.com/orbitdns/event-fabric/internal/fabric/filter"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	amqphandler "github.com/orbitdns/event-fabric/internal/handler/amqp"
	wshandler "github.com/orbitdns/event-fabric/internal/handler/ws"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"github.com/orbitdns/event-fabric/internal/server"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		metrics.Module,
		auth.Module,
		registry.Module,
		filter.Module,
		broadcast.Module,
		wshandler.Module,
		amqphandler.Module,
		server.Module,
	)
}

// ProvideLogger builds the process-wide structured logger and installs it
// as the slog default so library code logs through the same sink.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName)
	slog.SetDefault(logger)
	return logger
}
