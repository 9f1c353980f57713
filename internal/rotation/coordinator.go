// Package rotation drives signing key rotation through its phases:
// idle, rotating (a pending key exists), dual-active (a retiring key
// still verifies next to the active one), and back to idle.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"token-service/internal/keystore"
)

// Phase is the rotation state derived from the key set.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRotating   Phase = "rotating"
	PhaseDualActive Phase = "dual-active"
)

var (
	// ErrRotationInProgress is returned by Initiate outside the idle phase.
	ErrRotationInProgress = errors.New("rotation: rotation already in progress")
	// ErrNothingPending is returned by Activate when no key is pending.
	ErrNothingPending = errors.New("rotation: no pending key")
)

// KeyManager is the part of the KeyStore the coordinator drives.
type KeyManager interface {
	Keys(ctx context.Context) ([]keystore.KeyVersion, error)
	BeginRotation(ctx context.Context) (keystore.KeyVersion, error)
	Promote(ctx context.Context, version int64) error
	Sweep(ctx context.Context, now time.Time) ([]int64, error)
}

// Status is a point-in-time view of the rotation.
type Status struct {
	Phase Phase
	Keys  []keystore.KeyVersion
}

// Coordinator sequences rotation steps. Key mutations themselves are
// serialized by the KeyStore.
type Coordinator struct {
	keys   KeyManager
	logger *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(keys KeyManager, logger *zap.Logger) *Coordinator {
	return &Coordinator{keys: keys, logger: logger}
}

// Status reports the current phase and the non-retired keys.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	keys, err := c.keys.Keys(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Phase: phaseOf(keys), Keys: keys}, nil
}

// Initiate creates a pending key. It is refused unless the rotation is
// idle.
func (c *Coordinator) Initiate(ctx context.Context) (keystore.KeyVersion, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return keystore.KeyVersion{}, err
	}
	if status.Phase != PhaseIdle {
		return keystore.KeyVersion{}, fmt.Errorf("%w: phase %s", ErrRotationInProgress, status.Phase)
	}

	pending, err := c.keys.BeginRotation(ctx)
	if err != nil {
		return keystore.KeyVersion{}, err
	}
	c.logger.Info("Rotation initiated", zap.Int64("key_version", pending.Version))
	return pending, nil
}

// Activate promotes a pending key. On failure the previous key stays
// active and the call can be retried.
func (c *Coordinator) Activate(ctx context.Context, version int64) error {
	if err := c.keys.Promote(ctx, version); err != nil {
		c.logger.Warn("Rotation activation failed", zap.Int64("key_version", version), zap.Error(err))
		return err
	}
	c.logger.Info("Rotation activated", zap.Int64("key_version", version))
	return nil
}

// Complete retires keys whose grace window ended by now.
func (c *Coordinator) Complete(ctx context.Context, now time.Time) ([]int64, error) {
	retired, err := c.keys.Sweep(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(retired) > 0 {
		c.logger.Info("Rotation completed", zap.Int64s("retired_versions", retired))
	}
	return retired, nil
}

// Rotate runs Initiate and Activate. If a previous rotation stopped
// after Initiate, its pending key is activated instead of creating
// another one.
func (c *Coordinator) Rotate(ctx context.Context) (keystore.KeyVersion, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return keystore.KeyVersion{}, err
	}

	var pending keystore.KeyVersion
	switch status.Phase {
	case PhaseIdle:
		if pending, err = c.Initiate(ctx); err != nil {
			return keystore.KeyVersion{}, err
		}
	case PhaseRotating:
		var ok bool
		if pending, ok = latestPending(status.Keys); !ok {
			return keystore.KeyVersion{}, ErrNothingPending
		}
		c.logger.Info("Resuming rotation", zap.Int64("key_version", pending.Version))
	default:
		return keystore.KeyVersion{}, fmt.Errorf("%w: phase %s", ErrRotationInProgress, status.Phase)
	}

	if err := c.Activate(ctx, pending.Version); err != nil {
		return keystore.KeyVersion{}, err
	}
	pending.State = keystore.StateActive
	return pending, nil
}

func phaseOf(keys []keystore.KeyVersion) Phase {
	phase := PhaseIdle
	for _, k := range keys {
		switch k.State {
		case keystore.StatePending:
			return PhaseRotating
		case keystore.StateRetiring:
			phase = PhaseDualActive
		}
	}
	return phase
}

func latestPending(keys []keystore.KeyVersion) (keystore.KeyVersion, bool) {
	var (
		latest keystore.KeyVersion
		found  bool
	)
	for _, k := range keys {
		if k.State == keystore.StatePending && k.Version > latest.Version {
			latest, found = k, true
		}
	}
	return latest, found
}
