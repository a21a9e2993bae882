package auth

import (
	"github.com/orbitdns/event-fabric/config"
	"go.uber.org/fx"
)

var Module = fx.Module("auth",
	fx.Provide(
		fx.Annotate(
			func(cfg *config.Config) *JWTVerifier {
				return NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.RevocationWindow)
			},
			fx.As(new(Verifier)),
		),
	),
)
