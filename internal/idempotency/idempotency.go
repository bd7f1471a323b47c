package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const (
	minKeyLen = 8
	maxKeyLen = 200
)

var (
	ErrInvalidKey = errors.Wrap(domain.ErrBadRequest, "invalid Idempotency-Key")
	ErrInProgress = errors.Wrap(domain.ErrConflict, "a request with this Idempotency-Key is in progress")
)

// Response is the part of an HTTP response replayed for a repeated key.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Idempotency struct {
	store   Store
	ttl     time.Duration
	lockTTL time.Duration
	logger  observability.Logger
}

func NewIdempotency(store Store, ttl time.Duration, logger observability.Logger) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, lockTTL: 30 * time.Second, logger: logger}
}

func ValidateKey(key string) error {
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return errors.Wrapf(ErrInvalidKey, "length must be between %d and %d", minKeyLen, maxKeyLen)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return errors.Wrap(ErrInvalidKey, "must be printable ASCII")
		}
	}
	return nil
}

// Do runs fn at most once per scope and key while the stored response lives.
// A repeated call replays the first response and reports replayed. Server
// errors are not stored so the client can retry. When the store is
// unreachable fn runs unguarded.
func (i *Idempotency) Do(ctx context.Context, scope, key string, fn func() Response) (resp Response, replayed bool, err error) {
	if err := ValidateKey(key); err != nil {
		return Response{}, false, err
	}
	full := scope + ":" + key
	log := i.logger.WithField("idempotency_key", key)

	stored, err := i.store.Get(ctx, full)
	if err != nil {
		log.WithError(err).Warn("idempotency store unavailable")
		return fn(), false, nil
	}
	if stored != nil {
		return *stored, true, nil
	}

	locked, err := i.store.Lock(ctx, full, i.lockTTL)
	if err != nil {
		log.WithError(err).Warn("idempotency store unavailable")
		return fn(), false, nil
	}
	if !locked {
		return Response{}, false, ErrInProgress
	}
	defer func() {
		if err := i.store.Unlock(context.WithoutCancel(ctx), full); err != nil {
			log.WithError(err).Warn("release idempotency lock")
		}
	}()

	resp = fn()
	if resp.Status < 500 {
		if err := i.store.Set(context.WithoutCancel(ctx), full, resp, i.ttl); err != nil {
			log.WithError(err).Warn("store idempotent response")
		}
	}
	return resp, false, nil
}
