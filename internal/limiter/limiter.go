// Package limiter throttles credential checks with tiered lockouts.
//
// Failed attempts are counted per login identifier in a TTL-backed
// counter. Crossing a tier threshold locks the identifier for the tier's
// duration. The counter lapses on its own when failures stop, so an
// attacker failing occasionally over a long period never accumulates
// lockouts.
package limiter

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const (
	counterPrefix = "login_attempts:"
	lockoutPrefix = "login_lockout:"
)

// Store is the subset of cache operations the limiter depends on.
// IncrWithTTL must be atomic at the storage layer.
type Store interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	SetKeepLongerTTL(ctx context.Context, key, value string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	ExtendTTL(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Tier locks an identifier for Lockout once its failure count reaches
// Threshold.
type Tier struct {
	Threshold int64
	Lockout   time.Duration
}

// DefaultTiers is the lockout schedule: 5 failures lock for 15 minutes,
// 10 for an hour, 20 for a day.
var DefaultTiers = []Tier{
	{Threshold: 5, Lockout: 15 * time.Minute},
	{Threshold: 10, Lockout: 60 * time.Minute},
	{Threshold: 20, Lockout: 24 * time.Hour},
}

// Options configures a Limiter. Zero values fall back to defaults.
type Options struct {
	Tiers []Tier
	// FailureWindow is how long a failure count survives without a new
	// failure while no lockout is in force.
	FailureWindow time.Duration
	// StoreTimeout bounds every backing-store call.
	StoreTimeout time.Duration
}

// Decision is the outcome of CheckAllowed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Limiter tracks failed authentication attempts per identifier.
type Limiter struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// New creates a Limiter over store.
func New(store Store, opts Options, logger *zap.Logger) (*Limiter, error) {
	if opts.Tiers == nil {
		opts.Tiers = DefaultTiers
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 15 * time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 250 * time.Millisecond
	}
	for i, tier := range opts.Tiers {
		if tier.Threshold <= 0 || tier.Lockout <= 0 {
			return nil, fmt.Errorf("limiter: tier %d must have positive threshold and lockout", i)
		}
		if i > 0 && tier.Threshold <= opts.Tiers[i-1].Threshold {
			return nil, fmt.Errorf("limiter: tier thresholds must be strictly increasing")
		}
	}
	return &Limiter{store: store, opts: opts, logger: logger}, nil
}

// CheckAllowed reports whether identifier may attempt authentication
// now. It does not mutate state. Store errors are returned so callers
// fail closed.
func (l *Limiter) CheckAllowed(ctx context.Context, identifier string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()

	ttl, err := l.store.TTL(ctx, lockoutPrefix+hashIdentifier(identifier))
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: reading lockout: %w", err)
	}
	if ttl > 0 {
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordFailure counts one failed attempt and returns the new failure
// count. Callers invoke it for every failed attempt, including unknown
// identifiers, so responses do not reveal which accounts exist.
func (l *Limiter) RecordFailure(ctx context.Context, identifier string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()

	hashed := hashIdentifier(identifier)
	counterKey := counterPrefix + hashed

	count, err := l.store.IncrWithTTL(ctx, counterKey, l.opts.FailureWindow)
	if err != nil {
		return 0, fmt.Errorf("limiter: incrementing failures: %w", err)
	}

	tier, crossed := l.tierCrossedAt(count)
	if !crossed {
		return count, nil
	}

	// Only the request that observed the crossing sets the lockout. The
	// store keeps the longer expiry, so a lower tier landing late cannot
	// shorten a higher one.
	if err := l.store.SetKeepLongerTTL(ctx, lockoutPrefix+hashed, fmt.Sprint(count), tier.Lockout); err != nil {
		return count, fmt.Errorf("limiter: setting lockout: %w", err)
	}
	if err := l.store.ExtendTTL(ctx, counterKey, tier.Lockout+l.opts.FailureWindow); err != nil {
		return count, fmt.Errorf("limiter: extending failure count: %w", err)
	}

	l.logger.Warn("Login identifier locked out",
		zap.String("identifier_hash", hashed[:16]),
		zap.Int64("failure_count", count),
		zap.Duration("lockout", tier.Lockout))

	return count, nil
}

// RecordSuccess clears the identifier's record entirely.
func (l *Limiter) RecordSuccess(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()

	hashed := hashIdentifier(identifier)
	if err := l.store.Delete(ctx, counterPrefix+hashed, lockoutPrefix+hashed); err != nil {
		return fmt.Errorf("limiter: clearing record: %w", err)
	}
	return nil
}

// LockoutFor returns the lockout that applies to a failure count, or
// zero below the first tier.
func (l *Limiter) LockoutFor(count int64) time.Duration {
	var lockout time.Duration
	for _, tier := range l.opts.Tiers {
		if count >= tier.Threshold {
			lockout = tier.Lockout
		}
	}
	return lockout
}

func (l *Limiter) tierCrossedAt(count int64) (Tier, bool) {
	for _, tier := range l.opts.Tiers {
		if count == tier.Threshold {
			return tier, true
		}
	}
	return Tier{}, false
}

// NormalizeIdentifier trims and lower-cases a login identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// hashIdentifier keeps raw identifiers (emails) out of the cache keyspace.
func hashIdentifier(identifier string) string {
	sum := blake3.Sum256([]byte(NormalizeIdentifier(identifier)))
	return hex.EncodeToString(sum[:])
}
