package bus

import (
	"context"
	"fuzzhub/config"
	"fuzzhub/pkg/mq"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ForwarderParams struct {
	fx.In

	Lc     fx.Lifecycle
	Bus    *EventBus
	Logger *zap.Logger
	Config *config.AppConfig
	Redis  *redis.Client `optional:"true"`
	MQ     mq.RabbitMQ   `optional:"true"`
	Sinks  []Sink        `group:"event_sinks"`
	OnDrop func(Event)   `name:"event_drop_hook" optional:"true"`
}

// NewEventForwarder builds the forwarder with every configured sink and ties
// it to the application lifecycle.
func NewEventForwarder(p ForwarderParams) (*Forwarder, error) {
	policy, err := ParsePolicy(p.Config.Events.Backpressure)
	if err != nil {
		return nil, err
	}

	sinks := make([]Sink, 0, len(p.Sinks)+2)
	for _, s := range p.Sinks {
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	if p.Redis != nil {
		sinks = append(sinks, NewRedisSink(p.Redis, p.Config.RedisConfig.EventChannel))
	}
	var amqpSink *AMQPSink
	if p.MQ != nil {
		amqpSink = NewAMQPSink(p.MQ, p.Config.AMQPExchange)
		sinks = append(sinks, amqpSink)
	}

	opts := []ForwarderOption{WithSinks(sinks...)}
	if p.OnDrop != nil {
		opts = append(opts, WithDropHook(p.OnDrop))
	}
	fwd := NewForwarder(p.Bus, p.Logger, p.Config.Events.QueueSize, policy, opts...)

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			fwd.Start()
			for _, s := range sinks {
				p.Logger.Debug("event sink attached", zap.String("sink", s.Name()))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := fwd.Stop(ctx)
			if amqpSink != nil {
				amqpSink.Close()
			}
			return err
		},
	})
	return fwd, nil
}

var Module = fx.Options(
	fx.Provide(NewEventBus),
	fx.Provide(NewEventForwarder),
	fx.Invoke(func(*Forwarder) {}),
)
