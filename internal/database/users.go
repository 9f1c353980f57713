package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"token-service/internal/models"
)

// UserRepository looks up login principals.
type UserRepository struct{ db *DB }

// NewUserRepository constructs a user repository.
func NewUserRepository(db *DB) *UserRepository { return &UserRepository{db: db} }

// FindByIdentifier returns the user registered under a normalized
// identifier, or ErrNotFound.
func (r *UserRepository) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	const q = `
SELECT id, identifier, password_hash, attributes, disabled, created_at, updated_at
FROM users WHERE identifier=$1`
	var (
		u     models.User
		attrs []byte
	)
	err := r.db.Pool.QueryRow(ctx, q, identifier).Scan(
		&u.ID, &u.Identifier, &u.PasswordHash, &attrs, &u.Disabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.db.logger.Error("Failed to get user by identifier", zap.Error(err))
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of user %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

// FindByID returns the user with the given id, or ErrNotFound.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const q = `
SELECT id, identifier, password_hash, attributes, disabled, created_at, updated_at
FROM users WHERE id=$1`
	var (
		u     models.User
		attrs []byte
	)
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.Identifier, &u.PasswordHash, &attrs, &u.Disabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.db.logger.Error("Failed to get user by ID", zap.String("user_id", id), zap.Error(err))
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of user %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

// Create inserts a user. The identifier must already be normalized.
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	attrs, err := json.Marshal(u.Attributes)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO users (id, identifier, password_hash, attributes)
VALUES ($1, $2, $3, $4)`
	_, err = r.db.Pool.Exec(ctx, q, u.ID, u.Identifier, u.PasswordHash, attrs)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}
