package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dealspot/apiserver/types"
	"github.com/google/uuid"
)

const userColumns = `id, name, email, role, is_verified, password_hash,
		verification_token_hash, verification_token_expires_at,
		reset_token_hash, reset_token_expires_at,
		created_at, updated_at`

// UserRepository handles persistence for users. Conditional updates are
// single UPDATE statements so one-time token redemption is atomic: a
// concurrent redeem attempt on the same token matches zero rows.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Role,
		&user.IsVerified,
		&user.PasswordHash,
		&user.VerificationTokenHash,
		&user.VerificationTokenExpiry,
		&user.ResetTokenHash,
		&user.ResetTokenExpiry,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// Create inserts a new user. A duplicate email surfaces as
// ErrDuplicateEmail via the unique index, never as a silent overwrite.
func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (id, name, email, role, is_verified, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Name,
		user.Email,
		user.Role,
		user.IsVerified,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrDuplicateEmail
		}
		return types.User{}, err
	}
	return user, nil
}

// UpdateDetails changes name and email for an existing user.
func (r *UserRepository) UpdateDetails(ctx context.Context, id uuid.UUID, name, email string) (types.User, error) {
	const query = `
		UPDATE users
		SET name = $1,
			email = $2,
			updated_at = $3
		WHERE id = $4
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(ctx, query, name, email, time.Now().UTC(), id))
	if err != nil && isUniqueViolation(err) {
		return types.User{}, ErrDuplicateEmail
	}
	return user, err
}

// SetVerificationToken stores the digest and expiry of a fresh
// email-verification token, replacing any outstanding one.
func (r *UserRepository) SetVerificationToken(ctx context.Context, id uuid.UUID, digest string, expiry time.Time) error {
	const query = `
		UPDATE users
		SET verification_token_hash = $1,
			verification_token_expires_at = $2,
			updated_at = $3
		WHERE id = $4`
	return r.execExpectingRow(ctx, query, digest, expiry, time.Now().UTC(), id)
}

// ClearVerificationToken removes the outstanding verification token
// pair, e.g. after the verification email could not be delivered.
func (r *UserRepository) ClearVerificationToken(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE users
		SET verification_token_hash = NULL,
			verification_token_expires_at = NULL,
			updated_at = $1
		WHERE id = $2`
	return r.execExpectingRow(ctx, query, time.Now().UTC(), id)
}

// RedeemVerificationToken marks the matching user verified and clears
// the token pair in one conditional update. No match (unknown digest,
// already redeemed, or expired) returns ErrNotFound; the cases are
// indistinguishable by design.
func (r *UserRepository) RedeemVerificationToken(ctx context.Context, digest string, now time.Time) (types.User, error) {
	const query = `
		UPDATE users
		SET is_verified = TRUE,
			verification_token_hash = NULL,
			verification_token_expires_at = NULL,
			updated_at = $2
		WHERE verification_token_hash = $1
			AND verification_token_expires_at > $2
		RETURNING ` + userColumns
	return scanUser(r.db.QueryRowContext(ctx, query, digest, now.UTC()))
}

// SetResetToken stores the digest and expiry of a fresh password-reset
// token, replacing any outstanding one.
func (r *UserRepository) SetResetToken(ctx context.Context, id uuid.UUID, digest string, expiry time.Time) error {
	const query = `
		UPDATE users
		SET reset_token_hash = $1,
			reset_token_expires_at = $2,
			updated_at = $3
		WHERE id = $4`
	return r.execExpectingRow(ctx, query, digest, expiry, time.Now().UTC(), id)
}

// ClearResetToken removes the outstanding reset token pair.
func (r *UserRepository) ClearResetToken(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE users
		SET reset_token_hash = NULL,
			reset_token_expires_at = NULL,
			updated_at = $1
		WHERE id = $2`
	return r.execExpectingRow(ctx, query, time.Now().UTC(), id)
}

// RedeemResetToken swaps in the new password hash and clears the token
// pair in one conditional update, so a reset token is consumed exactly
// once even under concurrent attempts.
func (r *UserRepository) RedeemResetToken(ctx context.Context, digest, passwordHash string, now time.Time) (types.User, error) {
	const query = `
		UPDATE users
		SET password_hash = $3,
			reset_token_hash = NULL,
			reset_token_expires_at = NULL,
			updated_at = $2
		WHERE reset_token_hash = $1
			AND reset_token_expires_at > $2
		RETURNING ` + userColumns
	return scanUser(r.db.QueryRowContext(ctx, query, digest, now.UTC(), passwordHash))
}

func (r *UserRepository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
