package entitlement

import (
	"github.com/solacelabs/talktime/internal/entitlement/repository"
	"github.com/solacelabs/talktime/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
