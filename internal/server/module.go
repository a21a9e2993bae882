package server

import (
	"context"
	"log/slog"

	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/handler/ws"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("server",
	fx.Provide(
		func(logger *slog.Logger, cfg *config.Config, wsHandler *ws.Handler, m *metrics.Metrics) *Server {
			return New(logger, cfg.Server.Addr, wsHandler, m)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)
