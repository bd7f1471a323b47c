package app_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/day-dedications/internal/domain"
)

type txKey struct{}

// memStore is an in-memory Store. Transactions are serialized and roll back
// on error, which is the isolation the services rely on.
type memStore struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	days   map[string]domain.Resource
	audit  []domain.AuditEntry
	outbox []domain.OutboxMessage
	seq    map[int]int
}

func newMemStore(keys ...string) *memStore {
	s := &memStore{days: map[string]domain.Resource{}, seq: map[int]int{}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, k := range keys {
		s.days[k] = domain.Resource{ID: uuid.New(), Key: k, Status: domain.Available{}, CreatedAt: now, UpdatedAt: now}
	}
	return s
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	days := make(map[string]domain.Resource, len(s.days))
	for k, v := range s.days {
		days[k] = v
	}
	seq := make(map[int]int, len(s.seq))
	for k, v := range s.seq {
		seq[k] = v
	}
	auditLen, outboxLen := len(s.audit), len(s.outbox)
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.days, s.seq = days, seq
		s.audit = s.audit[:auditLen]
		s.outbox = s.outbox[:outboxLen]
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) GetResource(_ context.Context, key string) (domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.days[key]
	if !ok {
		return domain.Resource{}, errors.Wrapf(domain.ErrNotFound, "day %s", key)
	}
	return r, nil
}

func (s *memStore) GetResourceForUpdate(ctx context.Context, key string) (domain.Resource, error) {
	return s.GetResource(ctx, key)
}

func (s *memStore) GetResourceByPaymentRef(_ context.Context, ref string) (domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.days {
		if r.PaymentRef == ref {
			return r, nil
		}
	}
	return domain.Resource{}, errors.Wrapf(domain.ErrNotFound, "payment %s", ref)
}

func (s *memStore) GetResourceByPaymentRefForUpdate(ctx context.Context, ref string) (domain.Resource, error) {
	return s.GetResourceByPaymentRef(ctx, ref)
}

func (s *memStore) ListResources(_ context.Context, f domain.ResourceFilter) ([]domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Resource
	for _, r := range s.days {
		if f.From != "" && r.Key < f.From || f.To != "" && r.Key > f.To {
			continue
		}
		if f.ExcludeFree && r.State() == domain.StateAvailable {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, r.State()) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func containsState(states []domain.State, st domain.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func (s *memStore) ListExpiredHolds(_ context.Context, asOf time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, r := range s.days {
		if h, ok := r.Hold(); ok && h.Expired(asOf) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) SaveResource(_ context.Context, r domain.Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.days[r.Key]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "day %s", r.Key)
	}
	s.days[r.Key] = r
	return nil
}

func (s *memStore) NextOrderSequence(_ context.Context, year int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[year]++
	return s.seq[year], nil
}

func (s *memStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) QueryAudit(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.ResourceID != nil && e.ResourceID != *f.ResourceID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) InsertOutbox(_ context.Context, m domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, m)
	return nil
}

func (s *memStore) day(key string) domain.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.days[key]
}

func (s *memStore) entries(action domain.AuditAction) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if action == "" || e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) outboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}

type staticSettings struct {
	settings domain.Settings
	err      error
}

func (s staticSettings) Get(context.Context) (domain.Settings, error) {
	return s.settings, s.err
}

func defaultSettings() staticSettings {
	return staticSettings{settings: domain.Settings{PriceCents: 5000, EmojisAllowed: true, NotificationEmail: "ops@example.com"}}
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []domain.RefundRequest
	result domain.RefundResult
	err    error
}

func (g *fakeGateway) Refund(_ context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	return g.result, g.err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type countingKicker struct {
	mu sync.Mutex
	n  int
}

func (k *countingKicker) Kick() {
	k.mu.Lock()
	k.n++
	k.mu.Unlock()
}

type memSettingsRepo struct {
	mu       sync.Mutex
	settings *domain.Settings
	seeds    int
}

func (r *memSettingsRepo) Load(context.Context) (domain.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil {
		return domain.Settings{}, domain.ErrNotFound
	}
	return *r.settings, nil
}

func (r *memSettingsRepo) Seed(_ context.Context, s domain.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil {
		r.settings = &s
		r.seeds++
	}
	return nil
}

func (r *memSettingsRepo) Replace(_ context.Context, s domain.Settings, prev time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil || !r.settings.UpdatedAt.Equal(prev) {
		return domain.ErrConflict
	}
	r.settings = &s
	return nil
}

type memSettingsCache struct {
	mu          sync.Mutex
	settings    *domain.Settings
	hits        int
	invalidated int
}

func (c *memSettingsCache) GetSettings(context.Context) (domain.Settings, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings == nil {
		return domain.Settings{}, false, nil
	}
	c.hits++
	return *c.settings, true, nil
}

func (c *memSettingsCache) SetSettings(_ context.Context, s domain.Settings, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = &s
	return nil
}

func (c *memSettingsCache) InvalidateSettings(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = nil
	c.invalidated++
	return nil
}
