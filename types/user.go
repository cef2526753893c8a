package types

import (
	"time"

	"github.com/google/uuid"
)

// Roles a user account can hold.
const (
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleSubscriber = "subscriber"
)

// User represents an account in the system.
// It contains identity, credential, and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID uuid.UUID `json:"id" db:"id"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Email is the user's email address, unique across all users.
	Email string `json:"email" db:"email"`

	// Role indicates the user's authorization level within the
	// system ("admin", "user", or "subscriber").
	Role string `json:"role" db:"role"`

	// IsVerified reports whether the user completed email verification.
	IsVerified bool `json:"is_verified" db:"is_verified"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// VerificationTokenHash holds the SHA-256 digest of an outstanding
	// email-verification token. The raw token is never persisted. The
	// hash and its expiry are always set and cleared together.
	VerificationTokenHash   *string    `json:"-" db:"verification_token_hash"`
	VerificationTokenExpiry *time.Time `json:"-" db:"verification_token_expires_at"`

	// ResetTokenHash holds the SHA-256 digest of an outstanding
	// password-reset token, paired with its expiry.
	ResetTokenHash   *string    `json:"-" db:"reset_token_hash"`
	ResetTokenExpiry *time.Time `json:"-" db:"reset_token_expires_at"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
