package filter

import (
	"log/slog"

	"github.com/orbitdns/event-fabric/config"
	"go.uber.org/fx"
)

var Module = fx.Module("filter",
	fx.Provide(
		NewRedactor,
		func(cfg *config.Config) *RateLimiter {
			return NewRateLimiter(cfg.RateLimit.DefaultPerMinute, cfg.RateLimit.NoticeWindow)
		},
		NewPipeline,
	),
	// [LIVE_RULES] Bind the watched redaction document to the redactor.
	fx.Invoke(func(cfg *config.Config, logger *slog.Logger, r *Redactor) error {
		if cfg.Redaction.RulesFile == "" {
			logger.Warn("redaction rules file not configured, payloads are delivered unredacted")
			return nil
		}
		return config.WatchRedactionRules(cfg.Redaction.RulesFile, logger, r.Reload)
	}),
)
