package apierr

import "net/http"

// Error is a domain error carrying the HTTP status it should be
// reported with. Handlers translate it into the JSON error envelope;
// anything that is not an *Error becomes a generic 500.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs an Error with an explicit status code.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// Validation reports missing or malformed input.
func Validation(message string) *Error {
	return New(http.StatusBadRequest, message)
}

// InvalidCredentials reports a failed login. The message deliberately
// does not reveal whether the email exists.
func InvalidCredentials() *Error {
	return New(http.StatusUnauthorized, "invalid credentials")
}

// Unauthorized reports a missing, invalid, or expired session token,
// or a token referencing a user that no longer exists.
func Unauthorized() *Error {
	return New(http.StatusUnauthorized, "unauthorized to access this route")
}

// NotFound reports an absent resource.
func NotFound(message string) *Error {
	return New(http.StatusNotFound, message)
}

// Conflict reports a uniqueness violation, e.g. a duplicate email.
func Conflict(message string) *Error {
	return New(http.StatusConflict, message)
}

// InvalidOrExpiredToken reports a reset or verification token that did
// not match or has expired. The two cases are indistinguishable to the
// caller on purpose.
func InvalidOrExpiredToken() *Error {
	return New(http.StatusBadRequest, "invalid or expired token")
}

// EmailDeliveryFailure reports a downstream mail failure.
func EmailDeliveryFailure() *Error {
	return New(http.StatusInternalServerError, "email could not be sent")
}
