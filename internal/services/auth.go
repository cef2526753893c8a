package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealspot/apiserver/internal/apierr"
	"github.com/dealspot/apiserver/internal/events"
	"github.com/dealspot/apiserver/internal/mailer"
	"github.com/dealspot/apiserver/internal/password"
	"github.com/dealspot/apiserver/internal/store"
	"github.com/dealspot/apiserver/types"
	"github.com/google/uuid"
)

// opaqueTokenBytes is the entropy of one-time tokens (160 bits).
const opaqueTokenBytes = 20

const (
	defaultVerificationTTL = 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultMailTimeout     = 10 * time.Second
)

// UserRepository defines persistence operations for users. Redeem
// operations are atomic conditional match-and-clear updates so a
// one-time token is consumed exactly once.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, name, email string) (types.User, error)
	SetVerificationToken(ctx context.Context, id uuid.UUID, digest string, expiry time.Time) error
	ClearVerificationToken(ctx context.Context, id uuid.UUID) error
	RedeemVerificationToken(ctx context.Context, digest string, now time.Time) (types.User, error)
	SetResetToken(ctx context.Context, id uuid.UUID, digest string, expiry time.Time) error
	ClearResetToken(ctx context.Context, id uuid.UUID) error
	RedeemResetToken(ctx context.Context, digest, passwordHash string, now time.Time) (types.User, error)
}

// TokenIssuer mints session tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID uuid.UUID) (string, error)
}

// Options tunes an AuthService. Zero values fall back to defaults.
type Options struct {
	// BaseURL is the public origin used when building emailed links.
	BaseURL string

	VerificationTTL time.Duration
	ResetTTL        time.Duration
	MailTimeout     time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// AuthService encapsulates the credential lifecycle: registration,
// login, email verification, and password reset.
type AuthService struct {
	repo   UserRepository
	hasher password.Hasher
	tokens TokenIssuer
	mail   mailer.Sender
	events *events.Publisher

	baseURL         string
	verificationTTL time.Duration
	resetTTL        time.Duration
	mailTimeout     time.Duration

	logger *slog.Logger
	now    func() time.Time
}

func NewAuthService(repo UserRepository, hasher password.Hasher, tokens TokenIssuer, mail mailer.Sender, publisher *events.Publisher, opts Options) *AuthService {
	if opts.VerificationTTL <= 0 {
		opts.VerificationTTL = defaultVerificationTTL
	}
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = defaultResetTTL
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = defaultMailTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AuthService{
		repo:            repo,
		hasher:          hasher,
		tokens:          tokens,
		mail:            mail,
		events:          publisher,
		baseURL:         opts.BaseURL,
		verificationTTL: opts.VerificationTTL,
		resetTTL:        opts.ResetTTL,
		mailTimeout:     opts.MailTimeout,
		logger:          opts.Logger,
		now:             opts.Now,
	}
}

// Register creates an account and returns it with a session token. The
// verification email is issued in the background so delivery latency
// never holds up the response; when the send fails the token pair is
// cleared again so no undeliverable token lingers.
func (s *AuthService) Register(ctx context.Context, name, email, plaintext string) (types.User, string, error) {
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return types.User{}, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Name:         name,
		Email:        email,
		Role:         types.RoleUser,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return types.User{}, "", apierr.Conflict("email already registered")
		}
		return types.User{}, "", fmt.Errorf("create user: %w", err)
	}

	sessionToken, err := s.tokens.Issue(user.ID)
	if err != nil {
		return types.User{}, "", fmt.Errorf("issue session token: %w", err)
	}

	// The account is committed; the verification email is issued off
	// the request path, and its failure must not roll it back.
	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := s.issueVerification(ctx, user); err != nil {
			s.logger.WarnContext(ctx, "verification email not sent on registration",
				"user_id", user.ID, "error", err)
		}
	}()

	s.events.Emit(ctx, events.TypeUserRegistered, user.ID, user.Email)

	return user, sessionToken, nil
}

// Login verifies credentials and returns the user with a session token.
// The error does not reveal whether the email exists.
func (s *AuthService) Login(ctx context.Context, email, plaintext string) (types.User, string, error) {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, "", apierr.InvalidCredentials()
		}
		return types.User{}, "", fmt.Errorf("load user: %w", err)
	}

	ok, err := s.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil {
		return types.User{}, "", fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return types.User{}, "", apierr.InvalidCredentials()
	}

	sessionToken, err := s.tokens.Issue(user.ID)
	if err != nil {
		return types.User{}, "", fmt.Errorf("issue session token: %w", err)
	}
	return user, sessionToken, nil
}

// UserByID loads a user; store.ErrNotFound passes through so callers
// can distinguish a vanished account.
func (s *AuthService) UserByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateDetails changes the authenticated user's name and email.
func (s *AuthService) UpdateDetails(ctx context.Context, id uuid.UUID, name, email string) (types.User, error) {
	user, err := s.repo.UpdateDetails(ctx, id, name, email)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEmail):
			return types.User{}, apierr.Conflict("email already registered")
		case errors.Is(err, store.ErrNotFound):
			return types.User{}, apierr.NotFound("user not found")
		}
		return types.User{}, fmt.Errorf("update details: %w", err)
	}

	s.events.Emit(ctx, events.TypeDetailsUpdated, user.ID, user.Email)
	return user, nil
}

// RequestVerification re-issues a verification token for an
// authenticated but unverified user, replacing any outstanding one.
func (s *AuthService) RequestVerification(ctx context.Context, user types.User) error {
	if user.IsVerified {
		return apierr.Validation("account is already verified")
	}
	return s.issueVerification(ctx, user)
}

// VerifyAccount redeems a raw verification token. The matching user is
// marked verified and the token pair cleared in one atomic update; a
// fresh session token is returned.
func (s *AuthService) VerifyAccount(ctx context.Context, rawToken string) (types.User, string, error) {
	user, err := s.repo.RedeemVerificationToken(ctx, digestToken(rawToken), s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, "", apierr.InvalidOrExpiredToken()
		}
		return types.User{}, "", fmt.Errorf("redeem verification token: %w", err)
	}

	sessionToken, err := s.tokens.Issue(user.ID)
	if err != nil {
		return types.User{}, "", fmt.Errorf("issue session token: %w", err)
	}

	s.events.Emit(ctx, events.TypeUserVerified, user.ID, user.Email)
	return user, sessionToken, nil
}

// ForgotPassword issues a reset token and emails a reset link. Unknown
// emails are reported as success so the endpoint cannot be used to
// enumerate accounts. A failed send clears the just-set token pair and
// surfaces a delivery failure.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.DebugContext(ctx, "password reset requested for unknown email")
			return nil
		}
		return fmt.Errorf("load user: %w", err)
	}

	raw, digest, err := newOpaqueToken()
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.repo.SetResetToken(ctx, user.ID, digest, s.now().Add(s.resetTTL)); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	msg := mailer.Message{
		To:      user.Email,
		Subject: "Password reset request",
		Body: fmt.Sprintf("You are receiving this email because a password reset was requested for your account.\n\n"+
			"Reset your password here: %s/api/v1/auth/reset-password/%s\n\n"+
			"This link expires in %s. If you did not request a reset, you can ignore this email.",
			s.baseURL, raw, s.resetTTL),
	}
	if err := s.sendMail(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "reset email delivery failed", "user_id", user.ID, "error", err)
		if clearErr := s.repo.ClearResetToken(ctx, user.ID); clearErr != nil {
			s.logger.ErrorContext(ctx, "clear reset token after failed send", "user_id", user.ID, "error", clearErr)
		}
		return apierr.EmailDeliveryFailure()
	}
	return nil
}

// ResetPassword redeems a raw reset token and installs the new
// password in the same atomic update that clears the token pair. A
// confirmation email is sent fire-and-forget: its failure does not
// affect the completed password change.
func (s *AuthService) ResetPassword(ctx context.Context, rawToken, newPassword string) (types.User, string, error) {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return types.User{}, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.RedeemResetToken(ctx, digestToken(rawToken), hash, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, "", apierr.InvalidOrExpiredToken()
		}
		return types.User{}, "", fmt.Errorf("redeem reset token: %w", err)
	}

	sessionToken, err := s.tokens.Issue(user.ID)
	if err != nil {
		return types.User{}, "", fmt.Errorf("issue session token: %w", err)
	}

	go func() {
		ctx := context.WithoutCancel(ctx)
		msg := mailer.Message{
			To:      user.Email,
			Subject: "Your password was changed",
			Body:    "The password for your account was just changed. If this was not you, request a password reset immediately.",
		}
		if err := s.sendMail(ctx, msg); err != nil {
			s.logger.WarnContext(ctx, "password change confirmation email failed", "user_id", user.ID, "error", err)
		}
	}()

	s.events.Emit(ctx, events.TypePasswordReset, user.ID, user.Email)
	return user, sessionToken, nil
}

func (s *AuthService) issueVerification(ctx context.Context, user types.User) error {
	raw, digest, err := newOpaqueToken()
	if err != nil {
		return fmt.Errorf("generate verification token: %w", err)
	}
	if err := s.repo.SetVerificationToken(ctx, user.ID, digest, s.now().Add(s.verificationTTL)); err != nil {
		return fmt.Errorf("store verification token: %w", err)
	}

	msg := mailer.Message{
		To:      user.Email,
		Subject: "Verify your account",
		Body: fmt.Sprintf("Welcome! Please verify your account by visiting:\n\n"+
			"%s/api/v1/auth/verify-account/%s\n\n"+
			"This link expires in %s.",
			s.baseURL, raw, s.verificationTTL),
	}
	if err := s.sendMail(ctx, msg); err != nil {
		if clearErr := s.repo.ClearVerificationToken(ctx, user.ID); clearErr != nil {
			s.logger.ErrorContext(ctx, "clear verification token after failed send", "user_id", user.ID, "error", clearErr)
		}
		return apierr.EmailDeliveryFailure()
	}
	return nil
}

func (s *AuthService) sendMail(ctx context.Context, msg mailer.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.mailTimeout)
	defer cancel()
	return s.mail.Send(ctx, msg)
}

// newOpaqueToken generates a high-entropy one-time token and the hex
// SHA-256 digest that is the only form ever persisted.
func newOpaqueToken() (raw, digest string, err error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = hex.EncodeToString(buf)
	return raw, digestToken(raw), nil
}

func digestToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
