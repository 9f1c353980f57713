package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"token-service/internal/keystore"
)

// keyMutationLock is the advisory lock id that serializes key mutations
// across every trust-root instance sharing the database.
const keyMutationLock int64 = 0x6b657973 // "keys"

// KeyRepository stores signing key records in PostgreSQL. It implements
// keystore.Repository.
type KeyRepository struct{ db *DB }

// NewKeyRepository constructs a key repository.
func NewKeyRepository(db *DB) *KeyRepository { return &KeyRepository{db: db} }

// List returns every record that is not retired, ordered by version.
func (r *KeyRepository) List(ctx context.Context) ([]keystore.Record, error) {
	const q = `
SELECT version, state, sealed_seed, public_key, created_at, retire_at
FROM signing_keys
WHERE state <> 'retired'
ORDER BY version`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []keystore.Record
	for rows.Next() {
		var (
			rec   keystore.Record
			state string
		)
		if err := rows.Scan(&rec.Version, &state, &rec.SealedSeed, &rec.PublicKey, &rec.CreatedAt, &rec.RetireAt); err != nil {
			return nil, err
		}
		rec.State = keystore.State(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores a pending record and returns the version assigned by
// the sequence.
func (r *KeyRepository) Insert(ctx context.Context, rec keystore.Record) (int64, error) {
	const q = `
INSERT INTO signing_keys (state, sealed_seed, public_key, created_at)
VALUES ('pending', $1, $2, $3)
RETURNING version`
	var version int64
	if err := r.db.Pool.QueryRow(ctx, q, rec.SealedSeed, rec.PublicKey, rec.CreatedAt).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Promote activates version and moves the current active key to
// retiring in one transaction guarded by an advisory lock.
func (r *KeyRepository) Promote(ctx context.Context, version int64, retireAt time.Time) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const lock = `SELECT pg_advisory_xact_lock($1)`
	const sel = `SELECT state FROM signing_keys WHERE version=$1 FOR UPDATE`
	const retire = `UPDATE signing_keys SET state='retiring', retire_at=$1 WHERE state='active'`
	const activate = `UPDATE signing_keys SET state='active', retire_at=NULL WHERE version=$1`

	if _, err = tx.Exec(ctx, lock, keyMutationLock); err != nil {
		return err
	}

	var state string
	if err = tx.QueryRow(ctx, sel, version).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = keystore.ErrNotPending
		}
		return err
	}
	if keystore.State(state) != keystore.StatePending {
		err = keystore.ErrNotPending
		return err
	}

	if _, err = tx.Exec(ctx, retire, retireAt); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, activate, version); err != nil {
		if isUniqueViolation(err) {
			r.db.logger.Error("Concurrent activation detected", zap.Int64("key_version", version))
			err = fmt.Errorf("activate key %d: %w", version, err)
		}
		return err
	}
	return nil
}

// Retire purges the seeds of retiring keys whose deadline has passed.
func (r *KeyRepository) Retire(ctx context.Context, now time.Time) ([]int64, error) {
	const q = `
UPDATE signing_keys
SET state='retired', sealed_seed=NULL
WHERE state='retiring' AND retire_at <= $1
RETURNING version`
	rows, err := r.db.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
