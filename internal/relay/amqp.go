package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP relays envelopes through a RabbitMQ fanout exchange. Each subscriber
// binds its own exclusive, auto-deleted queue, so every node sees every
// envelope.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// ConnectAMQP dials RabbitMQ with retries and declares the fanout exchange.
func ConnectAMQP(ctx context.Context, cfg Config, logger *slog.Logger) (*AMQP, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := range cfg.RetryAttempts {
		if conn, err = amqp.Dial(cfg.AMQPURL); err == nil {
			break
		}
		if attempt == cfg.RetryAttempts-1 {
			break
		}
		logger.Warn("failed to connect to RabbitMQ; retrying",
			slog.Int("attempt", attempt+1), slog.Duration("interval", cfg.RetryInterval), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	if conn == nil {
		return nil, errors.Join(ErrNotReady, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Channel,
		amqp.ExchangeFanout,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Channel, err)
	}

	logger.Info("connected to RabbitMQ relay", slog.String("exchange", cfg.Channel))
	return &AMQP{conn: conn, exchange: cfg.Channel, logger: logger, pub: ch}, nil
}

func (a *AMQP) Publish(ctx context.Context, env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pub.PublishWithContext(
		ctx,
		a.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

func (a *AMQP) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", a.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", q.Name, err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrFeedClosed
			}
			env, err := Decode(d.Body)
			if err != nil {
				a.logger.Warn("dropping malformed relay message", slog.Any("error", err))
				continue
			}
			fn(env)
		}
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if err := a.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
