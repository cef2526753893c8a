package token

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie that mirrors the session token.
const CookieName = "token"

var (
	// ErrExpired is returned when the token's expiry claim is past.
	ErrExpired = errors.New("token expired")

	// ErrInvalid is returned when the signature does not verify or the
	// token is structurally malformed.
	ErrInvalid = errors.New("invalid token")
)

// Issuer mints and verifies self-contained HS256 session tokens. It is
// stateless: there is no server-side session table and no revocation
// list, so logout is purely client-side discard. The signing key is
// read-only after construction.
type Issuer struct {
	secret       []byte
	ttl          time.Duration
	secureCookie bool
	now          func() time.Time
}

// NewIssuer constructs an Issuer. secureCookie should be true only in
// production deployments so local HTTP development still works.
func NewIssuer(secret string, ttl time.Duration, secureCookie bool) *Issuer {
	return &Issuer{
		secret:       []byte(secret),
		ttl:          ttl,
		secureCookie: secureCookie,
		now:          time.Now,
	}
}

// Issue produces a signed token embedding the user id and an expiry
// claim at now + TTL.
func (i *Issuer) Issue(userID uuid.UUID) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Verify checks the signature and expiry and returns the embedded user
// id. Expired tokens fail with ErrExpired; everything else fails with
// ErrInvalid.
func (i *Issuer) Verify(tokenString string) (uuid.UUID, error) {
	claims := jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpired
		}
		return uuid.Nil, ErrInvalid
	}
	if !tok.Valid {
		return uuid.Nil, ErrInvalid
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalid
	}
	return userID, nil
}

// SetCookie mirrors the session token into an http-only cookie. The
// Secure attribute is set only when the issuer runs in production mode.
func (i *Issuer) SetCookie(w http.ResponseWriter, tokenString string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tokenString,
		Path:     "/",
		Expires:  i.now().Add(i.ttl),
		HttpOnly: true,
		Secure:   i.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
