package domain

import "errors"

var (
	ErrMissingUserID  = errors.New("user id is required")
	ErrUserMismatch   = errors.New("user id does not match the data scope")
	ErrInvalidRange   = errors.New("invalid date range")
	ErrSourceNotFound = errors.New("provider source not found")
	ErrMalformedEvent = errors.New("malformed event")
)

// CheckUser refuses empty or mismatched user scopes.
func CheckUser(want, got string) error {
	if want == "" || got == "" {
		return ErrMissingUserID
	}
	if want != got {
		return ErrUserMismatch
	}
	return nil
}
