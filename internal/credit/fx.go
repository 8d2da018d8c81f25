package credit

import (
	"github.com/solacelabs/talktime/internal/credit/adapters"
	"github.com/solacelabs/talktime/internal/credit/adapters/stripe"
	"github.com/solacelabs/talktime/internal/credit/repository"
	"github.com/solacelabs/talktime/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(
		provideAdapters,
		repository.Provide,
		service.New,
	),
)

func provideAdapters() *adapters.Registry {
	return adapters.NewRegistry(stripe.NewFactory())
}
