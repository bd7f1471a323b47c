package idempotency_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/idempotency"
	"github.com/robertarktes/day-dedications/internal/observability"
)

type memStore struct {
	mu     sync.Mutex
	data   map[string]idempotency.Response
	locks  map[string]bool
	broken bool
}

func newMemStore() *memStore {
	return &memStore{data: map[string]idempotency.Response{}, locks: map[string]bool{}}
}

func (m *memStore) Get(_ context.Context, key string) (*idempotency.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		return nil, errors.New("connection refused")
	}
	r, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) Set(_ context.Context, key string, resp idempotency.Response, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = resp
	return nil
}

func (m *memStore) Lock(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *memStore) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	idem := idempotency.NewIdempotency(store, time.Hour, observability.NewNopLogger())

	calls := 0
	fn := func() idempotency.Response {
		calls++
		return idempotency.Response{Status: 201, ContentType: "application/json", Body: []byte(`{"n":1}`)}
	}

	resp, replayed, err := idem.Do(ctx, "hold", "key-00000001", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, resp.Status)

	resp, replayed, err = idem.Do(ctx, "hold", "key-00000001", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, `{"n":1}`, string(resp.Body))
	assert.Equal(t, 1, calls)

	_, replayed, err = idem.Do(ctx, "other", "key-00000001", fn)
	require.NoError(t, err)
	assert.False(t, replayed, "scopes are independent")
	assert.Equal(t, 2, calls)
}

func TestDo_ServerErrorsAreNotStored(t *testing.T) {
	ctx := context.Background()
	idem := idempotency.NewIdempotency(newMemStore(), time.Hour, observability.NewNopLogger())

	calls := 0
	fn := func() idempotency.Response {
		calls++
		return idempotency.Response{Status: 500}
	}
	_, _, err := idem.Do(ctx, "hold", "key-00000002", fn)
	require.NoError(t, err)
	_, replayed, err := idem.Do(ctx, "hold", "key-00000002", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

func TestDo_InProgress(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	idem := idempotency.NewIdempotency(store, time.Hour, observability.NewNopLogger())

	_, err := store.Lock(ctx, "hold:key-00000003", time.Minute)
	require.NoError(t, err)

	_, _, err = idem.Do(ctx, "hold", "key-00000003", func() idempotency.Response {
		t.Fatal("must not run")
		return idempotency.Response{}
	})
	assert.True(t, errors.Is(err, idempotency.ErrInProgress))
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestDo_StoreDownRunsUnguarded(t *testing.T) {
	store := newMemStore()
	store.broken = true
	idem := idempotency.NewIdempotency(store, time.Hour, observability.NewNopLogger())

	resp, replayed, err := idem.Do(context.Background(), "hold", "key-00000004", func() idempotency.Response {
		return idempotency.Response{Status: 201}
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, resp.Status)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, idempotency.ValidateKey("3f1c2a9e-6a8b-4c55-9d0e-2f7b1e4a6c3d"))
	for _, k := range []string{"", "short", "has space in it", string(make([]byte, 201))} {
		assert.True(t, errors.Is(idempotency.ValidateKey(k), domain.ErrBadRequest), "key %q", k)
	}
}
