package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const maxCalendarDays = 400

// QueryService serves the read surface. Every read first reverts lapsed
// holds so callers never see a hold that is already over.
type QueryService struct {
	store   Store
	expirer HoldExpirer
	clock   clock.Clock
	logger  observability.Logger
	sweeps  singleflight.Group
}

func NewQueryService(store Store, expirer HoldExpirer, clk clock.Clock, logger observability.Logger) *QueryService {
	return &QueryService{store: store, expirer: expirer, clock: clk, logger: logger}
}

// expireLapsed runs one shared sweep for all concurrent readers. A failed
// sweep is logged and the read proceeds; PublicView still hides lapsed holds.
func (s *QueryService) expireLapsed(ctx context.Context) {
	sweepCtx := context.WithoutCancel(ctx)
	_, err, _ := s.sweeps.Do("expire", func() (interface{}, error) {
		return s.expirer.ExpireHolds(sweepCtx, s.clock.Now())
	})
	if err != nil {
		s.logger.WithError(err).Warn("lazy hold expiry failed")
	}
}

// PublicCalendar lists the redacted state of every day in [from, to].
func (s *QueryService) PublicCalendar(ctx context.Context, from, to string) ([]domain.PublicDay, error) {
	ctx, span := tracer.Start(ctx, "query.public_calendar")
	defer span.End()

	fromKey, fromDay, err := domain.ParseKey(from)
	if err != nil {
		return nil, err
	}
	toKey, toDay, err := domain.ParseKey(to)
	if err != nil {
		return nil, err
	}
	if toDay.Before(fromDay) {
		return nil, errors.Wrap(domain.ErrBadRequest, "from must not be after to")
	}
	if toDay.Sub(fromDay).Hours()/24 >= maxCalendarDays {
		return nil, errors.Wrapf(domain.ErrBadRequest, "range exceeds %d days", maxCalendarDays)
	}

	s.expireLapsed(ctx)
	now := s.clock.Now()
	days, err := s.store.ListResources(ctx, domain.ResourceFilter{From: fromKey, To: toKey})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PublicDay, 0, len(days))
	for _, d := range days {
		out = append(out, domain.PublicView(d, now))
	}
	return out, nil
}

func (s *QueryService) PublicDay(ctx context.Context, key string) (domain.PublicDay, error) {
	ctx, span := tracer.Start(ctx, "query.public_day")
	defer span.End()

	key, _, err := domain.ParseKey(key)
	if err != nil {
		return domain.PublicDay{}, err
	}
	s.expireLapsed(ctx)
	res, err := s.store.GetResource(ctx, key)
	if err != nil {
		return domain.PublicDay{}, err
	}
	return domain.PublicView(res, s.clock.Now()), nil
}

// CheckoutStatus tells a returning customer whether their payment settled.
func (s *QueryService) CheckoutStatus(ctx context.Context, paymentRef string) (domain.CheckoutStatus, error) {
	ctx, span := tracer.Start(ctx, "query.checkout_status")
	defer span.End()

	if paymentRef == "" {
		return domain.CheckoutStatus{}, domain.ErrNoPaymentReference
	}
	s.expireLapsed(ctx)
	res, err := s.store.GetResourceByPaymentRef(ctx, paymentRef)
	if err != nil {
		return domain.CheckoutStatus{}, err
	}
	status := domain.CheckoutStatus{Date: res.Key, State: domain.PublicView(res, s.clock.Now()).State}
	if sale, ok := res.Sale(); ok {
		status.OrderRef = sale.OrderRef
	}
	return status, nil
}

// AdminList returns unredacted days.
func (s *QueryService) AdminList(ctx context.Context, filter domain.ResourceFilter) ([]domain.Resource, error) {
	ctx, span := tracer.Start(ctx, "query.admin_list")
	defer span.End()

	for _, st := range filter.States {
		if !st.Valid() {
			return nil, errors.Wrapf(domain.ErrBadRequest, "unknown state %q", st)
		}
	}
	if err := normalizeRange(&filter); err != nil {
		return nil, err
	}
	s.expireLapsed(ctx)
	return s.store.ListResources(ctx, filter)
}

func (s *QueryService) AdminDay(ctx context.Context, key string) (domain.Resource, error) {
	key, _, err := domain.ParseKey(key)
	if err != nil {
		return domain.Resource{}, err
	}
	s.expireLapsed(ctx)
	return s.store.GetResource(ctx, key)
}

// Export lists every day that is not AVAILABLE, in date order.
func (s *QueryService) Export(ctx context.Context) ([]domain.Resource, error) {
	ctx, span := tracer.Start(ctx, "query.export")
	defer span.End()

	s.expireLapsed(ctx)
	return s.store.ListResources(ctx, domain.ResourceFilter{ExcludeFree: true})
}

type AuditQuery struct {
	Key    string
	Action domain.AuditAction
	Limit  int
	Offset int
}

// AuditLog pages through audit entries, newest first.
func (s *QueryService) AuditLog(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "query.audit_log")
	defer span.End()

	filter := domain.AuditFilter{Action: q.Action, Limit: q.Limit, Offset: q.Offset}.Normalize()
	if q.Key != "" {
		key, _, err := domain.ParseKey(q.Key)
		if err != nil {
			return nil, err
		}
		res, err := s.store.GetResource(ctx, key)
		if err != nil {
			return nil, err
		}
		filter.ResourceID = &res.ID
	}
	return s.store.QueryAudit(ctx, filter)
}

func normalizeRange(f *domain.ResourceFilter) error {
	if f.From != "" {
		key, _, err := domain.ParseKey(f.From)
		if err != nil {
			return err
		}
		f.From = key
	}
	if f.To != "" {
		key, _, err := domain.ParseKey(f.To)
		if err != nil {
			return err
		}
		f.To = key
	}
	if f.From != "" && f.To != "" && f.To < f.From {
		return errors.Wrap(domain.ErrBadRequest, "from must not be after to")
	}
	return nil
}
