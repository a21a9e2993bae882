package registry

import (
	"context"
	"log/slog"

	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(logger *slog.Logger, m *metrics.Metrics, cfg *config.Config) *Hub {
			return NewHub(logger, m,
				WithQueueDepth(cfg.Session.QueueDepth),
				WithDrainDeadline(cfg.Session.DrainDeadline),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h *Hub) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown(ctx)
				return nil
			},
		})
	}),
)
