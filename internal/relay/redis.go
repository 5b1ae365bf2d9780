package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis relays envelopes over a Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// ConnectRedis establishes a connection to the Redis server named by
// cfg.RedisURL, retrying cfg.RetryAttempts times with cfg.RetryInterval
// between attempts.
func ConnectRedis(ctx context.Context, cfg Config, logger *slog.Logger) (*Redis, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}

	var lastErr error
	for attempt := range cfg.RetryAttempts {
		client := redis.NewClient(opts)

		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Info("connected to redis relay", slog.String("channel", cfg.Channel))
			return &Redis{client: client, channel: cfg.Channel, logger: logger}, nil
		}

		_ = client.Close()
		lastErr = err
		if attempt == cfg.RetryAttempts-1 {
			break
		}
		logger.Warn("redis not ready; retrying",
			slog.Int("attempt", attempt+1), slog.Duration("interval", cfg.RetryInterval), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, errors.Join(ErrNotReady, lastErr)
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so publishes made after
	// Subscribe starts are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrFeedClosed
			}
			env, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed relay message", slog.Any("error", err))
				continue
			}
			fn(env)
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
