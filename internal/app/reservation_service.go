package app

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const (
	DefaultHoldTTL          = 10 * time.Minute
	defaultSweepConcurrency = 4
	maxAdminNoteRunes       = 500
)

var tracer = observability.Tracer("app")

type ReservationService struct {
	store            Store
	settings         SettingsReader
	clock            clock.Clock
	logger           observability.Logger
	holdTTL          time.Duration
	sweepConcurrency int
	newToken         func() string
}

type ReservationOption func(*ReservationService)

func WithHoldTTL(ttl time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if ttl > 0 {
			s.holdTTL = ttl
		}
	}
}

func WithSweepConcurrency(n int) ReservationOption {
	return func(s *ReservationService) {
		if n > 0 {
			s.sweepConcurrency = n
		}
	}
}

// WithTokenSource replaces the hold token generator.
func WithTokenSource(fn func() string) ReservationOption {
	return func(s *ReservationService) {
		s.newToken = fn
	}
}

func NewReservationService(store Store, settings SettingsReader, clk clock.Clock, logger observability.Logger, opts ...ReservationOption) *ReservationService {
	s := &ReservationService{
		store:            store,
		settings:         settings,
		clock:            clk,
		logger:           logger,
		holdTTL:          DefaultHoldTTL,
		sweepConcurrency: defaultSweepConcurrency,
		newToken:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateHoldInput struct {
	Key   string
	Actor domain.Actor
}

// HoldGrant is returned to the client that won the hold. The token is its
// only proof of ownership.
type HoldGrant struct {
	Key       string    `json:"date"`
	Token     string    `json:"hold_token"`
	ExpiresAt time.Time `json:"hold_expires_at"`
}

// CreateHold places a checkout hold on an available day, or on a day whose
// previous hold has lapsed. Of any number of concurrent callers at most one
// succeeds; the rest get ErrConflict.
func (s *ReservationService) CreateHold(ctx context.Context, in CreateHoldInput) (HoldGrant, error) {
	ctx, span := tracer.Start(ctx, "reservation.create_hold")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return HoldGrant{}, err
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return HoldGrant{}, errors.Wrap(err, "load settings")
	}
	now := s.clock.Now()
	if !settings.SalesOpen(now) {
		observability.HoldOutcomes.WithLabelValues("sales_closed").Inc()
		return HoldGrant{}, domain.ErrSalesClosed
	}

	var grant HoldGrant
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		notes := ""
		switch st := res.Status.(type) {
		case nil, domain.Available:
		case domain.CheckoutHold:
			if !st.Expired(now) {
				return errors.Wrapf(domain.ErrConflict, "%s is held until %s", key, st.ExpiresAt.Format(time.RFC3339))
			}
			notes = "previous hold had lapsed"
		default:
			return errors.Wrapf(domain.ErrConflict, "%s is %s", key, res.State())
		}

		hold := domain.CheckoutHold{Token: s.newToken(), ExpiresAt: now.Add(s.holdTTL)}
		next, err := res.Transition(hold, now)
		if err != nil {
			return err
		}
		next.Buyer = nil
		next.PaymentRef = ""
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		if err := s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionHoldCreated, res, next, in.Actor, notes, now)); err != nil {
			return err
		}
		grant = HoldGrant{Key: key, Token: hold.Token, ExpiresAt: hold.ExpiresAt}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			observability.HoldOutcomes.WithLabelValues("conflict").Inc()
		}
		return HoldGrant{}, err
	}
	observability.HoldOutcomes.WithLabelValues("granted").Inc()
	s.logger.WithFields(map[string]interface{}{"date": key, "expires_at": grant.ExpiresAt}).Info("hold created")
	return grant, nil
}

type ReleaseHoldInput struct {
	Key   string
	Token string
	Actor domain.Actor
}

// ReleaseHold returns a held day to AVAILABLE when token matches. Any other
// situation is a silent no-op so callers cannot probe other holds.
func (s *ReservationService) ReleaseHold(ctx context.Context, in ReleaseHoldInput) error {
	ctx, span := tracer.Start(ctx, "reservation.release_hold")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return err
	}
	if in.Token == "" {
		return nil
	}
	now := s.clock.Now()

	return s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		hold, ok := res.Hold()
		if !ok || !tokensEqual(hold.Token, in.Token) {
			return nil
		}
		next, err := res.Transition(domain.Available{}, now)
		if err != nil {
			return err
		}
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		return s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionHoldReleased, res, next, in.Actor, "", now))
	})
}

type SubmitCheckoutInput struct {
	Key        string
	Token      string
	PaymentRef string
	Buyer      domain.Buyer
	Actor      domain.Actor
}

// SubmitCheckout attaches buyer details and the payment intent to a live
// hold. The state stays CHECKOUT_HOLD.
func (s *ReservationService) SubmitCheckout(ctx context.Context, in SubmitCheckoutInput) error {
	ctx, span := tracer.Start(ctx, "reservation.submit_checkout")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return err
	}
	paymentRef := strings.TrimSpace(in.PaymentRef)
	if paymentRef == "" {
		return domain.ErrNoPaymentReference
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}
	buyer, err := domain.ValidateBuyer(in.Buyer, settings)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	return s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		hold, ok := res.Hold()
		if !ok || !tokensEqual(hold.Token, in.Token) {
			return errors.Wrapf(domain.ErrConflict, "no hold on %s for this token", key)
		}
		if hold.Expired(now) {
			return errors.Wrapf(domain.ErrHoldExpired, "hold on %s lapsed at %s", key, hold.ExpiresAt.Format(time.RFC3339))
		}
		next := res
		next.Buyer = &buyer
		next.PaymentRef = paymentRef
		next.UpdatedAt = now
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		return s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionCheckoutCaptured, res, next, in.Actor, "", now))
	})
}

// ExpireHolds reverts every checkout hold that lapsed at or before asOf and
// returns how many it reverted. Each day is expired in its own transaction;
// a day that moved on since the listing is skipped.
func (s *ReservationService) ExpireHolds(ctx context.Context, asOf time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "reservation.expire_holds")
	defer span.End()

	keys, err := s.store.ListExpiredHolds(ctx, asOf)
	if err != nil {
		return 0, errors.Wrap(err, "list expired holds")
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var (
		g       errgroup.Group
		expired atomic.Int64
	)
	g.SetLimit(s.sweepConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			ok, err := s.expireOne(ctx, key, asOf)
			if err != nil {
				s.logger.WithError(err).WithField("date", key).Warn("expire hold failed")
				return errors.Wrapf(err, "expire %s", key)
			}
			if ok {
				expired.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	n := int(expired.Load())
	observability.HoldsExpired.Add(float64(n))
	if n > 0 {
		s.logger.WithField("count", n).Info("holds expired")
	}
	return n, err
}

func (s *ReservationService) expireOne(ctx context.Context, key string, asOf time.Time) (bool, error) {
	var expired bool
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		expired = false
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		hold, ok := res.Hold()
		if !ok || !hold.Expired(asOf) {
			return nil
		}
		now := s.clock.Now()
		next, err := res.Transition(domain.Available{}, now)
		if err != nil {
			return err
		}
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		if err := s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionHoldExpired, res, next, domain.SystemActor(), "", now)); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

type AdminHoldInput struct {
	Key   string
	Note  string
	Actor domain.Actor
}

// CreateAdminHold blocks an available day from sale.
func (s *ReservationService) CreateAdminHold(ctx context.Context, in AdminHoldInput) (domain.Resource, error) {
	ctx, span := tracer.Start(ctx, "reservation.create_admin_hold")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return domain.Resource{}, err
	}
	note := strings.TrimSpace(in.Note)
	if utf8.RuneCountInString(note) > maxAdminNoteRunes {
		return domain.Resource{}, errors.Wrapf(domain.ErrValidation, "note exceeds %d characters", maxAdminNoteRunes)
	}
	now := s.clock.Now()

	var out domain.Resource
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		if res.State() != domain.StateAvailable {
			return errors.Wrapf(domain.ErrConflict, "%s is %s", key, res.State())
		}
		next, err := res.Transition(domain.AdminHold{Note: note}, now)
		if err != nil {
			return err
		}
		next.Buyer = nil
		next.PaymentRef = ""
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		out = next
		return s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionAdminHoldCreated, res, next, in.Actor, note, now))
	})
	return out, err
}

type ReleaseAdminHoldInput struct {
	Key   string
	Actor domain.Actor
}

func (s *ReservationService) ReleaseAdminHold(ctx context.Context, in ReleaseAdminHoldInput) (domain.Resource, error) {
	ctx, span := tracer.Start(ctx, "reservation.release_admin_hold")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return domain.Resource{}, err
	}
	now := s.clock.Now()

	var out domain.Resource
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		if res.State() != domain.StateAdminHold {
			return errors.Wrapf(domain.ErrConflict, "%s is %s", key, res.State())
		}
		next, err := res.Transition(domain.Available{}, now)
		if err != nil {
			return err
		}
		next.Buyer = nil
		next.PaymentRef = ""
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		out = next
		return s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionAdminHoldReleased, res, next, in.Actor, "", now))
	})
	return out, err
}

type EditDedicationInput struct {
	Key   string
	Text  string
	Actor domain.Actor
}

// EditDedicationText replaces the dedication of a sold day.
func (s *ReservationService) EditDedicationText(ctx context.Context, in EditDedicationInput) (domain.Resource, error) {
	ctx, span := tracer.Start(ctx, "reservation.edit_dedication")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return domain.Resource{}, err
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return domain.Resource{}, errors.Wrap(err, "load settings")
	}
	text, err := domain.ValidateDedication(in.Text, settings)
	if err != nil {
		return domain.Resource{}, err
	}
	now := s.clock.Now()

	var out domain.Resource
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		if res.State() != domain.StateSold {
			return errors.Wrapf(domain.ErrConflict, "%s is %s", key, res.State())
		}
		buyer := domain.Buyer{}
		if res.Buyer != nil {
			buyer = *res.Buyer
		}
		buyer.DedicationText = text
		next := res
		next.Buyer = &buyer
		next.UpdatedAt = now
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		out = next
		return s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionDedicationEdited, res, next, in.Actor, "", now))
	})
	return out, err
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
