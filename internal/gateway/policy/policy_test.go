package policy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpay/keysource/internal/shared/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewStore(db)
}

func TestStoreGetSeededDefault(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestStoreUpdateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := Policy{ByokEnabled: true, ByokUsesInternalCredits: true, ByokOnlyMode: true}
	require.NoError(t, s.Update(ctx, want))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// fakeSource answers from in-memory state. When gate is set, every call
// after the first blocks until the gate closes, which lets tests hold a
// refresh open.
type fakeSource struct {
	mu     sync.Mutex
	policy Policy
	err    error
	calls  int
	gate   chan struct{}
}

func (f *fakeSource) Get(ctx context.Context) (Policy, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	gate := f.gate
	p, err := f.policy, f.err
	f.mu.Unlock()

	if gate != nil && calls > 1 {
		<-gate
		f.mu.Lock()
		p, err = f.policy, f.err
		f.mu.Unlock()
	}
	return p, err
}

func (f *fakeSource) set(p Policy, err error) {
	f.mu.Lock()
	f.policy, f.err = p, err
	f.mu.Unlock()
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestResolverCachesWithinTTL(t *testing.T) {
	src := &fakeSource{policy: Policy{ByokEnabled: true}}
	r := NewResolver(context.Background(), src, time.Minute, zerolog.Nop())

	for i := 0; i < 5; i++ {
		assert.Equal(t, Policy{ByokEnabled: true}, r.Current(context.Background()))
	}
	assert.Equal(t, 1, src.count(), "fresh cache must not touch the store")
}

func TestResolverServesStaleWhileRevalidating(t *testing.T) {
	first := Policy{ByokEnabled: true}
	src := &fakeSource{policy: first, gate: make(chan struct{})}
	r := NewResolver(context.Background(), src, 10*time.Millisecond, zerolog.Nop())

	time.Sleep(20 * time.Millisecond)

	// The refresh is gated open, so a blocking resolver would hang here.
	start := time.Now()
	got := r.Current(context.Background())
	assert.Equal(t, first, got)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	updated := Policy{ByokEnabled: true, ByokOnlyMode: true}
	src.set(updated, nil)
	close(src.gate)

	require.Eventually(t, func() bool {
		return r.Current(context.Background()) == updated
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResolverKeepsLastKnownGoodOnOutage(t *testing.T) {
	good := Policy{ByokEnabled: true, ByokUsesInternalCredits: true}
	src := &fakeSource{policy: good}
	r := NewResolver(context.Background(), src, 10*time.Millisecond, zerolog.Nop())

	src.set(Policy{}, errors.New("store down"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, good, r.Current(context.Background()))

	require.Eventually(t, func() bool { return src.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, good, r.Current(context.Background()))
}

func TestResolverColdStartFallsBackToDefault(t *testing.T) {
	src := &fakeSource{err: errors.New("store down")}
	r := NewResolver(context.Background(), src, time.Minute, zerolog.Nop())

	assert.Equal(t, Default(), r.Current(context.Background()))
}

func TestForceRefresh(t *testing.T) {
	src := &fakeSource{policy: Policy{ByokEnabled: true}}
	r := NewResolver(context.Background(), src, time.Minute, zerolog.Nop())

	updated := Policy{ByokOnlyMode: true}
	src.set(updated, nil)

	got, err := r.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, updated, got)
	assert.Equal(t, updated, r.Current(context.Background()))

	src.set(Policy{}, errors.New("store down"))
	_, err = r.ForceRefresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, updated, r.Current(context.Background()), "failed refresh keeps the cache")
}
