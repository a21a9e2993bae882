package broadcast

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/fabric/filter"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	"github.com/orbitdns/event-fabric/internal/fabric/subscribe"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"github.com/orbitdns/event-fabric/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("broadcast",
	fx.Provide(
		subscribe.NewIndex,
		func(cfg *config.Config, hub registry.Hubber) *filter.Batcher {
			return filter.NewBatcher(cfg.Batch.Window, cfg.Batch.MaxSize,
				func(sessionID uuid.UUID, frame *event.Frame, prio event.Priority) {
					hub.Send(sessionID, frame, prio)
				})
		},
		func(
			logger *slog.Logger,
			m *metrics.Metrics,
			hub registry.Hubber,
			index *subscribe.Index,
			pipeline *filter.Pipeline,
			batcher *filter.Batcher,
			cfg *config.Config,
		) (*Broadcaster, error) {
			opts := []BroadcastOption{
				WithWorkers(cfg.Broadcaster.Workers),
				WithLaneDepth(cfg.Broadcaster.LaneDepth),
				WithStarvationEvery(cfg.Broadcaster.StarvationEvery),
				WithHistoryCapacity(cfg.Broadcaster.HistoryCapacity),
				WithRestartBackoff(cfg.Broadcaster.RestartBackoff),
				WithReplayLimits(cfg.Replay.MaxSpan, cfg.Replay.ProgressInterval),
			}
			if cfg.Replay.ArchiveDir != "" {
				archive, err := store.NewFileArchive(cfg.Replay.ArchiveDir)
				if err != nil {
					return nil, err
				}
				// The archive feeds retention on every Emit and, behind a
				// breaker, extends replays past the in-memory window.
				opts = append(opts,
					WithArchive(archive),
					WithExternalStore(store.NewBreakerStore(archive)),
				)
			}
			return New(logger, m, hub, index, pipeline, batcher, opts...), nil
		},
		fx.Annotate(
			func(b *Broadcaster) Producer { return b },
			fx.As(new(Producer)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, b *Broadcaster, hub *registry.Hub) {
		// Teardown hooks: session close releases subscriptions, rate
		// buckets, pending batches and replays.
		hub.OnSessionClose(b.OnSessionClose)

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				b.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				b.Shutdown(ctx)
				return nil
			},
		})
	}),
)
