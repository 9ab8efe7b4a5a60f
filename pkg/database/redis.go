package database

import (
	"context"
	"fuzzhub/config"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Lc     fx.Lifecycle
	Config *config.AppConfig
	Logger *zap.Logger
}

// NewRedisClient returns nil when redis is not configured.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	rc := p.Config.RedisConfig
	if !rc.Enabled() {
		p.Logger.Debug("redis not configured, event publishing to redis disabled")
		return nil, nil
	}

	var client *redis.Client
	var err error
	if rc.URL != "" {
		client, err = newRedisClient(rc.URL)
	} else {
		client, err = newRedisFailoverClient(rc.SentinelHosts, rc.MasterName)
	}
	if err != nil {
		p.Logger.Error("Failed to create Redis client", zap.Error(err))
		return nil, err
	}

	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	p.Logger.Debug("Redis client created successfully")
	return client, nil
}

func newRedisFailoverClient(redisSentinelHostsString, redisMasterName string) (*redis.Client, error) {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    redisMasterName,
		SentinelAddrs: strings.Split(redisSentinelHostsString, ","),
		DB:            0,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func newRedisClient(redisUrl string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
