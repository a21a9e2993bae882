package ws

import (
	"log/slog"

	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/auth"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	"github.com/orbitdns/event-fabric/internal/fabric/subscribe"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("handler.ws",
	fx.Provide(
		func(
			logger *slog.Logger,
			verifier auth.Verifier,
			hub registry.Hubber,
			broadcaster *broadcast.Broadcaster,
			index *subscribe.Index,
			m *metrics.Metrics,
			cfg *config.Config,
		) *Handler {
			return NewHandler(logger, verifier, hub, broadcaster, index, m, HandlerConfig{
				PingPeriod:           cfg.Heartbeat.Period,
				WriteTimeout:         cfg.Session.DrainDeadline,
				ProtocolErrorBudget:  cfg.Session.ProtocolErrorBudget,
				DroppedNoticeEvery:   cfg.Session.DroppedNoticeEvery,
				BackpressureTerminal: cfg.Session.BackpressureTerminal,
				CriticalDeadline:     cfg.Broadcaster.CriticalDeadline,
			})
		},
	),
)
