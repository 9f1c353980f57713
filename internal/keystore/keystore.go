package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"token-service/internal/clock"
)

// Sealer encrypts seeds before they reach a Repository.
// *secrets.Keeper from gocloud.dev satisfies it.
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Options tune a KeyStore.
type Options struct {
	// GraceWindow is how long a replaced key keeps verifying. It must be
	// at least the longest token lifetime in circulation.
	GraceWindow time.Duration
	// CacheTTL bounds how stale the in-memory snapshot may get before it
	// is reloaded from the repository.
	CacheTTL time.Duration
	// StoreTimeout bounds each repository call.
	StoreTimeout time.Duration
}

const (
	defaultCacheTTL     = 5 * time.Second
	defaultStoreTimeout = 250 * time.Millisecond
)

// snapshot is an immutable view of the repository. It is replaced
// wholesale, never mutated after publication.
type snapshot struct {
	loadedAt time.Time
	active   *SigningKey
	keys     []KeyVersion
}

func (s *snapshot) find(version int64) (KeyVersion, bool) {
	for _, k := range s.keys {
		if k.Version == version {
			return k, true
		}
	}
	return KeyVersion{}, false
}

// KeyStore serves signing and verification keys from a snapshot and
// funnels every mutation through a single writer.
type KeyStore struct {
	repo   Repository
	sealer Sealer
	clock  clock.Clock
	opts   Options
	logger *zap.Logger

	current atomic.Pointer[snapshot]
	loads   singleflight.Group
	writeMu sync.Mutex

	random io.Reader
}

// New creates a KeyStore and loads the persisted keys. An empty
// repository is not an error here; call EnsureActive to bootstrap.
func New(ctx context.Context, repo Repository, sealer Sealer, clk clock.Clock, opts Options, logger *zap.Logger) (*KeyStore, error) {
	if opts.GraceWindow <= 0 {
		return nil, fmt.Errorf("keystore: grace window must be positive, got %s", opts.GraceWindow)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}

	ks := &KeyStore{
		repo:   repo,
		sealer: sealer,
		clock:  clk,
		opts:   opts,
		logger: logger,
		random: rand.Reader,
	}
	if _, err := ks.reload(ctx); err != nil {
		return nil, err
	}
	return ks, nil
}

// EnsureActive creates and promotes a first key when none is active.
// It reports whether a key was created.
func (ks *KeyStore) EnsureActive(ctx context.Context) (bool, error) {
	snap, err := ks.reload(ctx)
	if err != nil {
		return false, err
	}
	if snap.active != nil {
		return false, nil
	}

	pending, err := ks.BeginRotation(ctx)
	if err != nil {
		return false, fmt.Errorf("bootstrap signing key: %w", err)
	}
	if err := ks.Promote(ctx, pending.Version); err != nil {
		return false, fmt.Errorf("bootstrap signing key: %w", err)
	}
	ks.logger.Info("Bootstrapped signing key", zap.Int64("key_version", pending.Version))
	return true, nil
}

// ActiveKey returns the single key tokens are signed with.
func (ks *KeyStore) ActiveKey(ctx context.Context) (SigningKey, error) {
	snap, err := ks.snapshot(ctx)
	if err != nil {
		return SigningKey{}, err
	}
	if snap.active == nil {
		return SigningKey{}, ErrNoActiveKey
	}
	return *snap.active, nil
}

// VerifiableKeys returns the active key and every retiring key still
// inside its grace window. Pending keys are never included.
func (ks *KeyStore) VerifiableKeys(ctx context.Context) ([]KeyVersion, error) {
	snap, err := ks.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := ks.clock.Now()

	out := make([]KeyVersion, 0, len(snap.keys))
	for _, k := range snap.keys {
		if verifiable(k, now) {
			out = append(out, k)
		}
	}
	return out, nil
}

// VerificationKey returns the public key of a verifiable version.
func (ks *KeyStore) VerificationKey(ctx context.Context, version int64) (ed25519.PublicKey, error) {
	snap, err := ks.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	k, ok := snap.find(version)
	if !ok || !verifiable(k, ks.clock.Now()) {
		return nil, ErrKeyNotFound
	}
	return k.PublicKey, nil
}

// Keys returns every non-retired version, pending ones included.
func (ks *KeyStore) Keys(ctx context.Context) ([]KeyVersion, error) {
	snap, err := ks.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]KeyVersion(nil), snap.keys...), nil
}

// Snapshot returns the keys of the last loaded snapshot without
// touching the repository.
func (ks *KeyStore) Snapshot() []KeyVersion {
	snap := ks.current.Load()
	if snap == nil {
		return nil
	}
	return append([]KeyVersion(nil), snap.keys...)
}

// BeginRotation creates a pending key from fresh random material. The
// key is not used for signing or verification until promoted.
func (ks *KeyStore) BeginRotation(ctx context.Context) (KeyVersion, error) {
	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(ks.random, seed); err != nil {
		return KeyVersion{}, fmt.Errorf("generate key seed: %w", err)
	}
	defer clear(seed)

	public := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	ctx, cancel := context.WithTimeout(ctx, ks.opts.StoreTimeout)
	defer cancel()

	sealed, err := ks.sealer.Encrypt(ctx, seed)
	if err != nil {
		return KeyVersion{}, fmt.Errorf("seal key seed: %w", err)
	}

	rec := Record{
		State:      StatePending,
		SealedSeed: sealed,
		PublicKey:  public,
		CreatedAt:  ks.clock.Now().UTC(),
	}
	version, err := ks.repo.Insert(ctx, rec)
	if err != nil {
		return KeyVersion{}, fmt.Errorf("store pending key: %w", err)
	}
	rec.Version = version

	ks.logger.Info("Key state changed",
		zap.Int64("key_version", version),
		zap.String("from", "none"),
		zap.String("to", string(StatePending)),
	)
	ks.refreshAfterWrite(ctx)
	return rec.keyVersion(), nil
}

// Promote makes a pending key active and starts the grace window of the
// key it replaces. On failure nothing changes and the call may be retried.
func (ks *KeyStore) Promote(ctx context.Context, version int64) error {
	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	previous := ks.current.Load()

	ctx, cancel := context.WithTimeout(ctx, ks.opts.StoreTimeout)
	defer cancel()

	retireAt := ks.clock.Now().Add(ks.opts.GraceWindow).UTC()
	if err := ks.repo.Promote(ctx, version, retireAt); err != nil {
		return fmt.Errorf("promote key %d: %w", version, err)
	}

	if previous != nil && previous.active != nil {
		ks.logger.Info("Key state changed",
			zap.Int64("key_version", previous.active.Version),
			zap.String("from", string(StateActive)),
			zap.String("to", string(StateRetiring)),
			zap.Time("retire_at", retireAt),
		)
	}
	ks.logger.Info("Key state changed",
		zap.Int64("key_version", version),
		zap.String("from", string(StatePending)),
		zap.String("to", string(StateActive)),
	)
	ks.refreshAfterWrite(ctx)
	return nil
}

// Sweep retires every retiring key whose grace window ended at or
// before now and purges its secret material.
func (ks *KeyStore) Sweep(ctx context.Context, now time.Time) ([]int64, error) {
	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ks.opts.StoreTimeout)
	defer cancel()

	retired, err := ks.repo.Retire(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("retire keys: %w", err)
	}
	for _, v := range retired {
		ks.logger.Info("Key state changed",
			zap.Int64("key_version", v),
			zap.String("from", string(StateRetiring)),
			zap.String("to", string(StateRetired)),
		)
	}
	if len(retired) > 0 {
		ks.refreshAfterWrite(ctx)
	}
	return retired, nil
}

// refreshAfterWrite publishes the committed state. If the reload fails
// the current snapshot is marked stale so the next read retries.
func (ks *KeyStore) refreshAfterWrite(ctx context.Context) {
	if _, err := ks.load(ctx); err != nil {
		ks.logger.Warn("Failed to reload keys after write", zap.Error(err))
		if snap := ks.current.Load(); snap != nil {
			stale := *snap
			stale.loadedAt = time.Time{}
			ks.current.Store(&stale)
		}
	}
}

// snapshot returns the current snapshot, reloading it when older than
// the cache TTL. A failed reload fails closed.
func (ks *KeyStore) snapshot(ctx context.Context) (*snapshot, error) {
	snap := ks.current.Load()
	if snap != nil && ks.clock.Now().Sub(snap.loadedAt) < ks.opts.CacheTTL {
		return snap, nil
	}
	return ks.reload(ctx)
}

// reload shares one repository load between concurrent callers. The load
// runs detached from any single caller, bounded by the store timeout, so
// a cancelled caller only abandons its own wait.
func (ks *KeyStore) reload(ctx context.Context) (*snapshot, error) {
	ch := ks.loads.DoChan("keys", func() (interface{}, error) {
		return ks.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
	}
}

func (ks *KeyStore) load(ctx context.Context) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.opts.StoreTimeout)
	defer cancel()

	records, err := ks.repo.List(ctx)
	if err != nil {
		ks.logger.Error("Failed to load signing keys", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	snap := &snapshot{
		loadedAt: ks.clock.Now(),
		keys:     make([]KeyVersion, 0, len(records)),
	}
	for _, rec := range records {
		if rec.State == StateActive {
			if snap.active != nil {
				return nil, fmt.Errorf("keystore: versions %d and %d are both active", snap.active.Version, rec.Version)
			}
			signing, err := ks.unseal(ctx, rec)
			if err != nil {
				return nil, err
			}
			snap.active = &signing
		}
		snap.keys = append(snap.keys, rec.keyVersion())
	}

	ks.current.Store(snap)
	return snap, nil
}

func (ks *KeyStore) unseal(ctx context.Context, rec Record) (SigningKey, error) {
	seed, err := ks.sealer.Decrypt(ctx, rec.SealedSeed)
	if err != nil {
		return SigningKey{}, fmt.Errorf("%w: unseal key %d: %v", ErrStoreUnavailable, rec.Version, err)
	}
	defer clear(seed)
	if len(seed) != SeedSize {
		return SigningKey{}, fmt.Errorf("keystore: key %d has a %d-byte seed", rec.Version, len(seed))
	}

	private := ed25519.NewKeyFromSeed(seed)
	if !private.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(rec.PublicKey)) {
		return SigningKey{}, errors.New("keystore: sealed seed does not match stored public key")
	}
	return SigningKey{Version: rec.Version, PrivateKey: private}, nil
}

func verifiable(k KeyVersion, now time.Time) bool {
	switch k.State {
	case StateActive:
		return true
	case StateRetiring:
		return k.RetireAt != nil && now.Before(*k.RetireAt)
	default:
		return false
	}
}
