package sweep

import (
	"context"

	"github.com/solacelabs/talktime/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.sweep",
	fx.Provide(provideConfig),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func provideConfig(cfg config.Config) Config {
	return Config{
		PollInterval: cfg.CreditSweepInterval,
		Grace:        cfg.CreditSweepGrace,
	}.withDefaults()
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
