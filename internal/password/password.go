package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used when none is configured.
// Cost 12 lands around 100ms per hash on current server hardware.
const DefaultCost = 12

// ErrEmptyPassword is returned when an empty plaintext is hashed.
var ErrEmptyPassword = errors.New("password must not be empty")

// Hasher performs one-way salted password hashing with a fixed work
// factor. bcrypt embeds a fresh random salt in every digest, so hashing
// the same plaintext twice yields different digests.
type Hasher struct {
	cost int
}

// NewHasher constructs a Hasher with the given bcrypt cost. Costs
// outside bcrypt's supported range fall back to DefaultCost.
func NewHasher(cost int) Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return Hasher{cost: cost}
}

// Hash generates a salted digest of the plaintext.
func (h Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify recomputes the hash using the salt embedded in digest and
// compares in constant time. A mismatch returns (false, nil); a
// malformed digest returns a non-nil error.
func (h Hasher) Verify(plaintext, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
