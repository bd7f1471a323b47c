package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

// SettingsRepository persists the singleton settings document.
type SettingsRepository interface {
	// Load returns ErrNotFound when the singleton was never written.
	Load(ctx context.Context) (domain.Settings, error)
	// Seed writes s only if no singleton exists yet.
	Seed(ctx context.Context, s domain.Settings) error
	// Replace overwrites the singleton if it was last updated at prev,
	// otherwise it returns ErrConflict.
	Replace(ctx context.Context, s domain.Settings, prev time.Time) error
}

// SettingsCache is a short-lived read-through copy of the singleton.
type SettingsCache interface {
	GetSettings(ctx context.Context) (domain.Settings, bool, error)
	SetSettings(ctx context.Context, s domain.Settings, ttl time.Duration) error
	InvalidateSettings(ctx context.Context) error
}

type SettingsService struct {
	repo     SettingsRepository
	defaults domain.Settings
	clock    clock.Clock
	logger   observability.Logger
	cache    SettingsCache
	cacheTTL time.Duration
}

type SettingsOption func(*SettingsService)

func WithSettingsCache(c SettingsCache, ttl time.Duration) SettingsOption {
	return func(s *SettingsService) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func NewSettingsService(repo SettingsRepository, defaults domain.Settings, clk clock.Clock, logger observability.Logger, opts ...SettingsOption) *SettingsService {
	s := &SettingsService{repo: repo, defaults: defaults, clock: clk, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the singleton, creating it from defaults on first read.
func (s *SettingsService) Get(ctx context.Context) (domain.Settings, error) {
	if s.cache == nil {
		return s.load(ctx)
	}
	if cached, ok, err := s.cache.GetSettings(ctx); err != nil {
		s.logger.WithError(err).Warn("settings cache unavailable")
	} else if ok {
		return cached, nil
	}
	settings, err := s.load(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	if err := s.cache.SetSettings(ctx, settings, s.cacheTTL); err != nil {
		s.logger.WithError(err).Warn("cache settings")
	}
	return settings, nil
}

func (s *SettingsService) load(ctx context.Context) (domain.Settings, error) {
	settings, err := s.repo.Load(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Settings{}, errors.Wrap(err, "load settings")
	}

	seed := s.defaults
	seed.UpdatedAt = s.clock.Now()
	seed.UpdatedBy = domain.SystemActor().ID
	if err := s.repo.Seed(ctx, seed); err != nil {
		return domain.Settings{}, errors.Wrap(err, "seed settings")
	}
	s.logger.Info("settings seeded from defaults")
	return s.repo.Load(ctx)
}

// PublicSettings is what the storefront needs to render checkout.
type PublicSettings struct {
	PriceCents          int64      `json:"price_cents"`
	SalesStart          *time.Time `json:"sales_start,omitempty"`
	SalesEnd            *time.Time `json:"sales_end,omitempty"`
	SalesOpen           bool       `json:"sales_open"`
	DedicationRequired  bool       `json:"dedication_required"`
	EmojisAllowed       bool       `json:"emojis_allowed"`
	MaxDedicationLength int        `json:"max_dedication_length"`
}

func (s *SettingsService) Public(ctx context.Context) (PublicSettings, error) {
	settings, err := s.Get(ctx)
	if err != nil {
		return PublicSettings{}, err
	}
	return PublicSettings{
		PriceCents:          settings.PriceCents,
		SalesStart:          settings.SalesStart,
		SalesEnd:            settings.SalesEnd,
		SalesOpen:           settings.SalesOpen(s.clock.Now()),
		DedicationRequired:  settings.DedicationRequired,
		EmojisAllowed:       settings.EmojisAllowed,
		MaxDedicationLength: domain.MaxDedicationRunes,
	}, nil
}

// Patch applies a partial update. The result is validated as a whole, so a
// patch that only moves one window bound is checked against the stored other.
func (s *SettingsService) Patch(ctx context.Context, patch domain.SettingsPatch, actor domain.Actor) (domain.Settings, error) {
	ctx, span := tracer.Start(ctx, "settings.patch")
	defer span.End()

	if patch.Empty() {
		return domain.Settings{}, errors.Wrap(domain.ErrBadRequest, "no settings to update")
	}
	cur, err := s.load(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	next := patch.Apply(cur)
	if err := next.Validate(); err != nil {
		return domain.Settings{}, err
	}
	next.UpdatedAt = s.clock.Now()
	next.UpdatedBy = actor.ID
	if err := s.repo.Replace(ctx, next, cur.UpdatedAt); err != nil {
		return domain.Settings{}, err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateSettings(ctx); err != nil {
			s.logger.WithError(err).Warn("invalidate cached settings")
		}
	}
	s.logger.WithField("updated_by", actor.ID).Info("settings updated")
	return next, nil
}
