package amqp

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/adapter/pubsub"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	"go.uber.org/fx"
)

// Module wires the broker bridge. With no AMQP URL configured the whole
// bridge stays off and in-process producers keep working.
var Module = fx.Module("handler.amqp",
	fx.Invoke(func(
		lc fx.Lifecycle,
		logger *slog.Logger,
		cfg *config.Config,
		hub *registry.Hub,
		producer broadcast.Producer,
	) error {
		if cfg.AMQP.URL == "" {
			logger.Info("broker bridge disabled, no amqp url configured")
			return nil
		}

		provider := pubsub.NewProvider(cfg.AMQP.URL, cfg.AMQP.QueuePrefix, logger)

		pub, err := provider.BuildPublisher()
		if err != nil {
			return err
		}
		dispatcher := pubsub.NewEventDispatcher(pub)

		router, err := message.NewRouter(message.RouterConfig{}, provider.Logger())
		if err != nil {
			return err
		}

		ingest := NewIngestHandler(logger, producer, dispatcher)
		if err := ingest.RegisterHandlers(router, provider); err != nil {
			return err
		}

		auditor := NewAuditor(logger, dispatcher, cfg.AMQP.AuditExchange)
		hub.OnSessionAccept(auditor.SessionOpened)
		hub.OnSessionClose(auditor.SessionClosed)

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := router.Run(context.Background()); err != nil {
						logger.Error("amqp router stopped", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				return router.Close()
			},
		})
		return nil
	}),
)
