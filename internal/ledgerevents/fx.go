package ledgerevents

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("ledgerevents",
	fx.Provide(NewProcessor),
)

// ConsumerModule runs the queue loop. Only the worker binary loads it.
var ConsumerModule = fx.Module("ledgerevents.consumer",
	fx.Provide(NewConsumer),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, consumer *Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go consumer.RunForever(ctx)

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
