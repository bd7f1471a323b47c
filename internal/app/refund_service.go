package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

type RefundService struct {
	store   Store
	gateway Refunder
	clock   clock.Clock
	logger  observability.Logger
}

func NewRefundService(store Store, gateway Refunder, clk clock.Clock, logger observability.Logger) *RefundService {
	return &RefundService{store: store, gateway: gateway, clock: clk, logger: logger}
}

type RefundInput struct {
	Key                string
	Reason             string
	RestoreToAvailable bool
	Actor              domain.Actor
	// AttemptID identifies this admin attempt; see domain.RefundRequest.
	AttemptID          string
}

type RefundOutcome struct {
	RefundID string              `json:"refund_id"`
	Status   domain.RefundStatus `json:"refund_status"`
	Day      domain.Resource     `json:"-"`
}

// Refund returns the money for a sold day and moves the day to AVAILABLE or,
// by default, to ADMIN_HOLD. Preconditions are checked before the gateway is
// called, so a rejected refund leaves no trace anywhere.
func (s *RefundService) Refund(ctx context.Context, in RefundInput) (RefundOutcome, error) {
	ctx, span := tracer.Start(ctx, "refund.issue")
	defer span.End()

	key, _, err := domain.ParseKey(in.Key)
	if err != nil {
		return RefundOutcome{}, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return RefundOutcome{}, errors.Wrap(domain.ErrBadRequest, "refund reason is required")
	}

	res, err := s.store.GetResource(ctx, key)
	if err != nil {
		return RefundOutcome{}, err
	}
	sale, ok := res.Sale()
	if !ok {
		return RefundOutcome{}, errors.Wrapf(domain.ErrConflict, "%s is %s, only sold days can be refunded", key, res.State())
	}
	if res.PaymentRef == "" {
		return RefundOutcome{}, errors.Wrapf(domain.ErrNoPaymentReference, "%s", key)
	}

	result, err := s.gateway.Refund(ctx, domain.RefundRequest{
		PaymentRef: res.PaymentRef,
		Reason:     reason,
		AttemptID:  in.AttemptID,
		Metadata: map[string]string{
			"date":         key,
			"order_ref":    sale.OrderRef,
			"performed_by": in.Actor.ID,
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamFailure) {
			return RefundOutcome{}, err
		}
		return RefundOutcome{}, errors.Mark(errors.Wrap(err, "gateway refund"), domain.ErrUpstreamFailure)
	}
	if !result.Status.Accepted() {
		return RefundOutcome{}, errors.Wrapf(domain.ErrUpstreamFailure, "refund %s is %s", result.RefundID, result.Status)
	}

	log := s.logger.WithFields(map[string]interface{}{
		"date":      key,
		"order_ref": sale.OrderRef,
		"refund_id": result.RefundID,
	})

	var next domain.Resource
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		cur, err := s.store.GetResourceForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		if cur.State() != domain.StateSold || cur.PaymentRef != res.PaymentRef {
			return errors.Wrapf(domain.ErrConflict, "%s changed while the refund was issued", key)
		}
		now := s.clock.Now()
		var target domain.Status = domain.AdminHold{
			Note: fmt.Sprintf("Refunded %s: %s (refund %s)", now.UTC().Format(domain.KeyLayout), reason, result.RefundID),
		}
		if in.RestoreToAvailable {
			target = domain.Available{}
		}
		next, err = cur.Transition(target, now)
		if err != nil {
			return err
		}
		next.Buyer = nil
		next.PaymentRef = ""
		if err := s.store.SaveResource(txCtx, next); err != nil {
			return err
		}
		entry := domain.NewAuditEntry(domain.ActionRefundIssued, cur, next, in.Actor, reason, now)
		entry.NewValue.RefundID = result.RefundID
		return s.store.AppendAudit(txCtx, entry)
	})
	if err != nil {
		log.WithError(err).Error("refund issued at gateway but ledger not updated")
		return RefundOutcome{}, err
	}

	log.WithField("state", next.State()).Info("refund issued")
	return RefundOutcome{RefundID: result.RefundID, Status: result.Status, Day: next}, nil
}
