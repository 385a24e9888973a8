package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, sched *Scheduler, log *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sched.EnsureDefinitions(ctx); err != nil {
				cancel()
				return err
			}
			go sched.RunForever(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping task runner")
			cancel()
			return nil
		},
	})
}
