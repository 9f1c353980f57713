package keystore_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gocloud.dev/secrets"
	"gocloud.dev/secrets/localsecrets"

	"token-service/internal/clock"
	"token-service/internal/keystore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const grace = 24 * time.Hour

func newKeeper(t *testing.T) *secrets.Keeper {
	t.Helper()
	key, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	keeper := localsecrets.NewKeeper(key)
	t.Cleanup(func() { _ = keeper.Close() })
	return keeper
}

func newStore(t *testing.T, repo keystore.Repository, clk clock.Clock) *keystore.KeyStore {
	t.Helper()
	ks, err := keystore.New(context.Background(), repo, newKeeper(t), clk, keystore.Options{
		GraceWindow: grace,
		CacheTTL:    time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return ks
}

func TestNew_RejectsNonPositiveGrace(t *testing.T) {
	_, err := keystore.New(context.Background(), keystore.NewMemoryRepository(), newKeeper(t),
		clock.Fake(epoch), keystore.Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestEnsureActive(t *testing.T) {
	ks := newStore(t, keystore.NewMemoryRepository(), clock.Fake(epoch))
	ctx := context.Background()

	_, err := ks.ActiveKey(ctx)
	assert.ErrorIs(t, err, keystore.ErrNoActiveKey)

	created, err := ks.EnsureActive(ctx)
	require.NoError(t, err)
	assert.True(t, created)

	active, err := ks.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
	assert.Len(t, active.PrivateKey, ed25519.PrivateKeySize)

	created, err = ks.EnsureActive(ctx)
	require.NoError(t, err)
	assert.False(t, created, "second call must not create another key")
}

func TestBeginRotation_PendingKeyIsNotUsable(t *testing.T) {
	ks := newStore(t, keystore.NewMemoryRepository(), clock.Fake(epoch))
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	pending, err := ks.BeginRotation(ctx)
	require.NoError(t, err)
	assert.Equal(t, keystore.StatePending, pending.State)
	assert.Len(t, pending.PublicKey, ed25519.PublicKeySize)

	active, err := ks.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version, "pending key must not sign")

	_, err = ks.VerificationKey(ctx, pending.Version)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound, "pending key must not verify")

	set, err := ks.JWKSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestRotationSafety(t *testing.T) {
	clk := clock.Fake(epoch)
	ks := newStore(t, keystore.NewMemoryRepository(), clk)
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)
	oldKey, err := ks.ActiveKey(ctx)
	require.NoError(t, err)

	pending, err := ks.BeginRotation(ctx)
	require.NoError(t, err)
	require.NoError(t, ks.Promote(ctx, pending.Version))

	newKey, err := ks.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.Version, newKey.Version)

	// Old and new both verify during the grace window.
	_, err = ks.VerificationKey(ctx, oldKey.Version)
	require.NoError(t, err)
	_, err = ks.VerificationKey(ctx, newKey.Version)
	require.NoError(t, err)

	keys, err := ks.VerifiableKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, keystore.StateRetiring, keys[0].State)
	require.NotNil(t, keys[0].RetireAt)
	assert.Equal(t, epoch.Add(grace), *keys[0].RetireAt)

	clk.Advance(grace - time.Second)
	retired, err := ks.Sweep(ctx, clk.Now())
	require.NoError(t, err)
	assert.Empty(t, retired)
	_, err = ks.VerificationKey(ctx, oldKey.Version)
	require.NoError(t, err)

	clk.Advance(time.Second)
	retired, err = ks.Sweep(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, []int64{oldKey.Version}, retired)

	_, err = ks.VerificationKey(ctx, oldKey.Version)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
	_, err = ks.VerificationKey(ctx, newKey.Version)
	assert.NoError(t, err)
}

func TestVerificationKey_ExpiredRetiringKeyBeforeSweep(t *testing.T) {
	clk := clock.Fake(epoch)
	ks := newStore(t, keystore.NewMemoryRepository(), clk)
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	pending, err := ks.BeginRotation(ctx)
	require.NoError(t, err)
	require.NoError(t, ks.Promote(ctx, pending.Version))

	clk.Advance(grace)
	_, err = ks.VerificationKey(ctx, 1)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestVerificationKey_Unknown(t *testing.T) {
	ks := newStore(t, keystore.NewMemoryRepository(), clock.Fake(epoch))
	_, err := ks.EnsureActive(context.Background())
	require.NoError(t, err)

	_, err = ks.VerificationKey(context.Background(), 42)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestPromote_NotPending(t *testing.T) {
	ks := newStore(t, keystore.NewMemoryRepository(), clock.Fake(epoch))
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	err = ks.Promote(ctx, 1)
	assert.ErrorIs(t, err, keystore.ErrNotPending)
	err = ks.Promote(ctx, 99)
	assert.ErrorIs(t, err, keystore.ErrNotPending)
}

// flakyRepo fails Promote or List on demand.
type flakyRepo struct {
	*keystore.MemoryRepository
	mu          sync.Mutex
	failPromote bool
	failList    bool
}

func (r *flakyRepo) Promote(ctx context.Context, version int64, retireAt time.Time) error {
	r.mu.Lock()
	fail := r.failPromote
	r.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return r.MemoryRepository.Promote(ctx, version, retireAt)
}

func (r *flakyRepo) List(ctx context.Context) ([]keystore.Record, error) {
	r.mu.Lock()
	fail := r.failList
	r.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return r.MemoryRepository.List(ctx)
}

func (r *flakyRepo) set(promote, list bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPromote = promote
	r.failList = list
}

func TestPromote_FailureLeavesPreviousKeyActive(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: keystore.NewMemoryRepository()}
	clk := clock.Fake(epoch)
	ks := newStore(t, repo, clk)
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	pending, err := ks.BeginRotation(ctx)
	require.NoError(t, err)

	repo.set(true, false)
	require.Error(t, ks.Promote(ctx, pending.Version))

	active, err := ks.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)

	keys, err := ks.VerifiableKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// Retry succeeds once the repository recovers.
	repo.set(false, false)
	require.NoError(t, ks.Promote(ctx, pending.Version))
	active, err = ks.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.Version, active.Version)
}

func TestSnapshot_StaleReadFailsClosed(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: keystore.NewMemoryRepository()}
	clk := clock.Fake(epoch)
	ks := newStore(t, repo, clk)
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	repo.set(false, true)

	// Within the cache TTL the snapshot is served.
	_, err = ks.ActiveKey(ctx)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = ks.ActiveKey(ctx)
	assert.ErrorIs(t, err, keystore.ErrStoreUnavailable)
	_, err = ks.VerificationKey(ctx, 1)
	assert.ErrorIs(t, err, keystore.ErrStoreUnavailable)

	// Snapshot() never touches the repository.
	assert.Len(t, ks.Snapshot(), 1)
}

// gatedRepo holds List calls until released, once armed.
type gatedRepo struct {
	*keystore.MemoryRepository
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
	lists   int
}

func (r *gatedRepo) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.entered = make(chan struct{}, 1)
	r.lists = 0
}

func (r *gatedRepo) release() { close(r.gate) }

func (r *gatedRepo) listCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

func (r *gatedRepo) List(ctx context.Context) ([]keystore.Record, error) {
	r.mu.Lock()
	gate, entered := r.gate, r.entered
	r.lists++
	r.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.MemoryRepository.List(ctx)
}

func TestSnapshot_CancelledCallerDoesNotAbortSharedLoad(t *testing.T) {
	repo := &gatedRepo{MemoryRepository: keystore.NewMemoryRepository()}
	clk := clock.Fake(epoch)
	ks, err := keystore.New(context.Background(), repo, newKeeper(t), clk, keystore.Options{
		GraceWindow:  grace,
		CacheTTL:     time.Second,
		StoreTimeout: 5 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = ks.EnsureActive(context.Background())
	require.NoError(t, err)

	repo.arm()
	clk.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := ks.ActiveKey(ctx)
		first <- err
	}()
	<-repo.entered
	cancel()
	assert.ErrorIs(t, <-first, keystore.ErrStoreUnavailable)

	second := make(chan error, 1)
	go func() {
		_, err := ks.ActiveKey(context.Background())
		second <- err
	}()
	repo.release()
	require.NoError(t, <-second)
	assert.Equal(t, 1, repo.listCalls(), "the load begun for the cancelled caller serves the next one")
}

func TestSnapshot_ObservesOtherWriters(t *testing.T) {
	repo := keystore.NewMemoryRepository()
	clk := clock.Fake(epoch)
	keeper := newKeeper(t)
	opts := keystore.Options{GraceWindow: grace, CacheTTL: time.Second}
	ctx := context.Background()

	writer, err := keystore.New(ctx, repo, keeper, clk, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	reader, err := keystore.New(ctx, repo, keeper, clk, opts, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = writer.EnsureActive(ctx)
	require.NoError(t, err)

	_, err = reader.ActiveKey(ctx)
	assert.ErrorIs(t, err, keystore.ErrNoActiveKey, "reader still serves its cached snapshot")

	clk.Advance(time.Second)
	active, err := reader.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
}

func TestPromote_ConcurrentLeavesOneActive(t *testing.T) {
	repo := keystore.NewMemoryRepository()
	clk := clock.Fake(epoch)
	ks := newStore(t, repo, clk)
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	const n = 8
	versions := make([]int64, n)
	for i := range versions {
		k, err := ks.BeginRotation(ctx)
		require.NoError(t, err)
		versions[i] = k.Version
	}

	var wg sync.WaitGroup
	for _, v := range versions {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_ = ks.Promote(ctx, v)
		}(v)
	}
	wg.Wait()

	records, err := repo.List(ctx)
	require.NoError(t, err)
	active := 0
	for _, rec := range records {
		if rec.State == keystore.StateActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestSealedSeedNeverStoredInPlaintext(t *testing.T) {
	repo := keystore.NewMemoryRepository()
	ks := newStore(t, repo, clock.Fake(epoch))
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)

	active, err := ks.ActiveKey(ctx)
	require.NoError(t, err)

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotContains(t, string(records[0].SealedSeed), string(active.PrivateKey.Seed()))
}

func TestSweep_PurgesSeed(t *testing.T) {
	repo := keystore.NewMemoryRepository()
	clk := clock.Fake(epoch)
	ks := newStore(t, repo, clk)
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)
	pending, err := ks.BeginRotation(ctx)
	require.NoError(t, err)
	require.NoError(t, ks.Promote(ctx, pending.Version))

	clk.Advance(grace)
	_, err = ks.Sweep(ctx, clk.Now())
	require.NoError(t, err)

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "retired records are not listed")
	assert.Equal(t, pending.Version, records[0].Version)
}

func TestJWKSet(t *testing.T) {
	ks := newStore(t, keystore.NewMemoryRepository(), clock.Fake(epoch))
	ctx := context.Background()
	_, err := ks.EnsureActive(ctx)
	require.NoError(t, err)
	pending, err := ks.BeginRotation(ctx)
	require.NoError(t, err)
	require.NoError(t, ks.Promote(ctx, pending.Version))

	set, err := ks.JWKSet(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	key, ok := set.LookupKeyID("2")
	require.True(t, ok)
	assert.Equal(t, "sig", key.KeyUsage())

	var raw ed25519.PublicKey
	require.NoError(t, key.Raw(&raw))
	assert.True(t, raw.Equal(pending.PublicKey))

	_, isPublic := key.(jwk.OKPPublicKey)
	assert.True(t, isPublic, "set must hold public keys only")
}

func TestParseKeyID(t *testing.T) {
	tests := []struct {
		kid     string
		want    int64
		wantErr bool
	}{
		{"1", 1, false},
		{"42", 42, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.kid, func(t *testing.T) {
			got, err := keystore.ParseKeyID(tt.kid)
			if tt.wantErr {
				assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
