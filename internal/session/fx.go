package session

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/solacelabs/talktime/internal/config"
	"github.com/solacelabs/talktime/internal/session/liveevents"
	"github.com/solacelabs/talktime/internal/session/lock"
	"github.com/solacelabs/talktime/internal/session/outbox"
	"github.com/solacelabs/talktime/internal/session/repository"
	"github.com/solacelabs/talktime/internal/session/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("session.service",
	fx.Provide(
		repository.Provide,
		outbox.ProvideRepository,
		outbox.NewQueue,
		outbox.NewWorker,
		liveevents.NewHub,
		provideLocker,
		service.New,
		service.ProvideService,
	),
	fx.Invoke(runWorkers),
)

func provideLocker(cfg config.Config, log *zap.Logger) lock.Locker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Named("session.lock").Info("redis not configured, using in-process locks")
		return lock.NewMemoryLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return lock.NewRedisLocker(client)
}

func runWorkers(lc fx.Lifecycle, svc *service.Service, worker *outbox.Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)
			go svc.RunSweeper(ctx)

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
