package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

// Outcomes of processing one gateway event, used for metrics and logs.
const (
	OutcomeApplied         = "applied"
	OutcomeDuplicate       = "duplicate"
	OutcomeStale           = "stale"
	OutcomeUnknownResource = "unknown_resource"
	OutcomeIgnored         = "ignored"
)

// ReconciliationService applies verified payment gateway events to the
// ledger. Every handler is idempotent: the gateway redelivers on any non-2xx
// response and the same event may arrive many times.
type ReconciliationService struct {
	store          Store
	settings       SettingsReader
	clock          clock.Clock
	logger         observability.Logger
	orderRefPrefix string
	kicker         Kicker
	events         EventLog
}

type ReconciliationOption func(*ReconciliationService)

func WithOrderRefPrefix(prefix string) ReconciliationOption {
	return func(s *ReconciliationService) {
		if prefix != "" {
			s.orderRefPrefix = prefix
		}
	}
}

// WithKicker wakes k whenever a sale commits so notifications go out without
// waiting for the next poll.
func WithKicker(k Kicker) ReconciliationOption {
	return func(s *ReconciliationService) {
		s.kicker = k
	}
}

func WithEventLog(l EventLog) ReconciliationOption {
	return func(s *ReconciliationService) {
		s.events = l
	}
}

func NewReconciliationService(store Store, settings SettingsReader, clk clock.Clock, logger observability.Logger, opts ...ReconciliationOption) *ReconciliationService {
	s := &ReconciliationService{
		store:          store,
		settings:       settings,
		clock:          clk,
		logger:         logger,
		orderRefPrefix: domain.DefaultOrderRefPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleEvent processes one event and reports what it did. A returned error
// means the event must be redelivered.
func (s *ReconciliationService) HandleEvent(ctx context.Context, ev domain.GatewayEvent) (string, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.handle_event")
	defer span.End()

	log := s.logger.WithFields(map[string]interface{}{
		"event_id":    ev.ID,
		"event_type":  ev.Type,
		"payment_ref": ev.PaymentRef,
		"date":        ev.ResourceKey,
	})

	var (
		outcome string
		err     error
	)
	switch ev.Type {
	case domain.EventPaymentSucceeded:
		outcome, err = s.paymentSucceeded(ctx, ev, log)
	case domain.EventPaymentFailed:
		outcome, err = s.paymentFailed(ctx, ev, log)
	case domain.EventChargeRefunded:
		outcome, err = s.chargeRefunded(ctx, ev, log)
	default:
		outcome = OutcomeIgnored
		log.Debug("ignoring gateway event")
	}
	if err != nil {
		s.record(ctx, ev, "error", log)
		observability.WebhookEvents.WithLabelValues(string(ev.Type), "error").Inc()
		log.WithError(err).Error("gateway event processing failed")
		return "", err
	}
	s.record(ctx, ev, outcome, log)
	observability.WebhookEvents.WithLabelValues(string(ev.Type), outcome).Inc()
	return outcome, nil
}

func (s *ReconciliationService) record(ctx context.Context, ev domain.GatewayEvent, outcome string, log observability.Logger) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, ev, outcome, s.clock.Now()); err != nil {
		log.WithError(err).Warn("record gateway event")
	}
}

func (s *ReconciliationService) paymentSucceeded(ctx context.Context, ev domain.GatewayEvent, log observability.Logger) (string, error) {
	key, day, err := domain.ParseKey(ev.ResourceKey)
	if err != nil {
		return "", err
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return "", errors.Wrap(err, "load settings")
	}
	now := s.clock.Now()

	var (
		outcome string
		sold    domain.Resource
	)
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if errors.Is(err, domain.ErrNotFound) {
			outcome = OutcomeUnknownResource
			return nil
		}
		if err != nil {
			return err
		}
		if res.State() == domain.StateSold && res.PaymentRef == ev.PaymentRef {
			outcome = OutcomeDuplicate
			return nil
		}
		if res.State() != domain.StateCheckoutHold && res.PaymentRef != ev.PaymentRef {
			outcome = OutcomeStale
			return nil
		}

		seq, err := s.store.NextOrderSequence(txCtx, day.Year())
		if err != nil {
			return errors.Wrap(err, "next order sequence")
		}
		sale := domain.Sold{
			OrderRef:   domain.FormatOrderRef(s.orderRefPrefix, day.Year(), seq),
			AmountPaid: ev.Amount,
			PaidAt:     now,
		}
		buyer := ev.Buyer
		if res.Buyer != nil && res.PaymentRef == ev.PaymentRef {
			buyer = res.Buyer
		}
		next, err := res.Settle(ev.PaymentRef, sale, now)
		if err != nil {
			return err
		}
		next.Buyer = buyer
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		notes := fmt.Sprintf("payment %s for %d", ev.PaymentRef, ev.Amount)
		if err := s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionPaymentReceived, res, next, domain.GatewayActor(ev.ID), notes, now)); err != nil {
			return err
		}
		if err := s.enqueueSaleNotices(txCtx, next, settings, now); err != nil {
			return err
		}
		outcome = OutcomeApplied
		sold = next
		return nil
	})
	if err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeApplied:
		sale, _ := sold.Sale()
		observability.SalesTotal.Inc()
		if ev.Amount != settings.PriceCents {
			log.WithFields(map[string]interface{}{"amount": ev.Amount, "price": settings.PriceCents}).Warn("paid amount differs from configured price")
		}
		log.WithField("order_ref", sale.OrderRef).Info("day sold")
		if s.kicker != nil {
			s.kicker.Kick()
		}
	case OutcomeStale:
		log.Warn("payment succeeded for a day that has moved on; refund may be required")
	case OutcomeUnknownResource:
		log.Warn("payment succeeded for an unknown day")
	case OutcomeDuplicate:
		log.Debug("duplicate payment event")
	}
	return outcome, nil
}

func (s *ReconciliationService) enqueueSaleNotices(ctx context.Context, r domain.Resource, settings domain.Settings, now time.Time) error {
	sale, _ := r.Sale()
	notice := domain.SaleNotice{
		Date:              r.Key,
		OrderRef:          sale.OrderRef,
		AmountPaid:        sale.AmountPaid,
		PaidAt:            sale.PaidAt.Format(time.RFC3339),
		NotificationEmail: settings.NotificationEmail,
	}
	if r.Buyer != nil {
		notice.BuyerName = r.Buyer.Name
		notice.BuyerEmail = r.Buyer.Email
		notice.DedicationText = r.Buyer.DedicationText
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return errors.Wrap(err, "marshal sale notice")
	}
	for _, eventType := range []string{domain.NotificationBuyerConfirmation, domain.NotificationSaleInternal} {
		msg := domain.OutboxMessage{
			ID:          uuid.New(),
			AggregateID: r.ID,
			EventType:   eventType,
			Payload:     payload,
			DedupeKey:   eventType + ":" + sale.OrderRef,
			Status:      domain.OutboxNew,
			CreatedAt:   now,
		}
		if err := s.store.InsertOutbox(ctx, msg); err != nil {
			return errors.Wrapf(err, "enqueue %s", eventType)
		}
	}
	return nil
}

func (s *ReconciliationService) paymentFailed(ctx context.Context, ev domain.GatewayEvent, log observability.Logger) (string, error) {
	key, _, err := domain.ParseKey(ev.ResourceKey)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()

	var outcome string
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceForUpdate(txCtx, key)
		if errors.Is(err, domain.ErrNotFound) {
			outcome = OutcomeUnknownResource
			return nil
		}
		if err != nil {
			return err
		}
		// A hold that already carries another payment belongs to a newer
		// checkout attempt.
		if res.State() != domain.StateCheckoutHold || (res.PaymentRef != "" && res.PaymentRef != ev.PaymentRef) {
			outcome = OutcomeStale
			return nil
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
		if err := s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionPaymentFailed, res, next, domain.GatewayActor(ev.ID), ev.FailureReason, now)); err != nil {
			return err
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeApplied {
		log.WithField("reason", ev.FailureReason).Info("payment failed, hold released")
	} else {
		log.WithField("outcome", outcome).Debug("payment failure not applied")
	}
	return outcome, nil
}

// chargeRefunded records a refund initiated outside this system. State is
// left as it is; an administrator decides what happens to the day.
func (s *ReconciliationService) chargeRefunded(ctx context.Context, ev domain.GatewayEvent, log observability.Logger) (string, error) {
	now := s.clock.Now()
	actor := domain.GatewayActor(ev.ID)

	var outcome string
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetResourceByPaymentRefForUpdate(txCtx, ev.PaymentRef)
		if errors.Is(err, domain.ErrNotFound) {
			outcome = OutcomeUnknownResource
			return nil
		}
		if err != nil {
			return err
		}
		prior, err := s.store.QueryAudit(txCtx, domain.AuditFilter{
			ResourceID: &res.ID,
			Action:     domain.ActionGatewayRefundRecorded,
			Limit:      domain.MaxAuditLimit,
		})
		if err != nil {
			return err
		}
		for _, e := range prior {
			if e.PerformedBy == actor.ID {
				outcome = OutcomeDuplicate
				return nil
			}
		}
		notes := fmt.Sprintf("charge %s refunded at the gateway for %d", ev.PaymentRef, ev.Amount)
		if err := s.store.AppendAudit(txCtx, domain.NewAuditEntry(domain.ActionGatewayRefundRecorded, res, res, actor, notes, now)); err != nil {
			return err
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeApplied {
		log.Warn("charge refunded outside the admin console")
	}
	return outcome, nil
}
