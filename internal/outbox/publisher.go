package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 10
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Publisher relays outbox rows to the broker. Delivery is at least once;
// consumers deduplicate on MessageId, which carries the dedupe key.
type Publisher struct {
	store     Store
	broker    Broker
	clock     clock.Clock
	logger    observability.Logger
	interval  time.Duration
	batchSize int
	retry     func() backoff.BackOff
	kick      chan struct{}
}

type Option func(*Publisher)

func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *Publisher) {
		p.retry = f
	}
}

func NewPublisher(store Store, broker Broker, clk clock.Clock, logger observability.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		store:     store,
		broker:    broker,
		clock:     clk,
		logger:    logger,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		kick:      make(chan struct{}, 1),
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kick asks Run to relay now instead of at the next tick.
func (p *Publisher) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		for {
			n, err := p.RelayOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.WithError(err).Error("outbox relay failed")
				}
				break
			}
			if n < p.batchSize {
				break
			}
		}
	}
}

// RelayOnce publishes one batch and reports how many messages went out.
// Messages published before a failure are still marked.
func (p *Publisher) RelayOnce(ctx context.Context) (int, error) {
	var (
		published  int
		publishErr error
	)
	err := p.store.WithTx(ctx, func(txCtx context.Context) error {
		published, publishErr = 0, nil
		batch, err := p.store.ClaimPending(txCtx, p.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			observability.OutboxLag.Set(0)
			return nil
		}
		observability.OutboxLag.Set(p.clock.Now().Sub(batch[0].CreatedAt).Seconds())

		for _, msg := range batch {
			if err := p.publish(ctx, msg); err != nil {
				publishErr = errors.Wrapf(err, "relay %s", msg.DedupeKey)
				break
			}
			if err := p.store.MarkPublished(txCtx, msg.ID, p.clock.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if published > 0 {
		p.logger.WithField("count", published).Debug("outbox relayed")
	}
	return published, publishErr
}

func (p *Publisher) publish(ctx context.Context, msg domain.OutboxMessage) error {
	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
		}
		attempt++
		return p.broker.Publish(ctx, msg.EventType, amqp.Publishing{
			MessageId:   msg.DedupeKey,
			ContentType: "application/json",
			Timestamp:   msg.CreatedAt,
			Type:        msg.EventType,
			Body:        msg.Payload,
		})
	}, backoff.WithContext(p.retry(), ctx))
}
