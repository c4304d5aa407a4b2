package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/casualjim/loom/internal/config"
	"github.com/casualjim/loom/pkg/natsx"
	"github.com/casualjim/loom/pubsub"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func buildBus(ctx context.Context, cfg config.BusConfig) (pubsub.Bus, func(), error) {
	options := []pubsub.Option{
		pubsub.WithSchemas(cfg.Schemas),
		pubsub.WithLogger(slog.Default()),
	}
	switch cfg.Kind {
	case config.BusNATS:
		auth, err := cfg.Auth.Options()
		if err != nil {
			return nil, nil, err
		}
		nc, err := natsx.Connect(cfg.URL, append(auth, nats.Name("loomd"))...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return pubsub.NewNATS(nc, options...), func() { _ = nc.Drain() }, nil
	case config.BusRedis:
		url := cfg.URL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		ropts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.Auth.Password != "" {
			ropts.Username = cfg.Auth.User
			ropts.Password = cfg.Auth.Password
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return pubsub.NewRedis(client, options...), func() { _ = client.Close() }, nil
	default:
		return pubsub.NewLocal(options...), func() {}, nil
	}
}
