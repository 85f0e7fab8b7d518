package dynamic

import "errors"

var (
	// ErrAcquisition is returned when a credential cannot be obtained.
	ErrAcquisition = errors.New("credential acquisition failed")

	// ErrSessionCookieMissing is returned when a login succeeds without
	// setting a JSESSIONID cookie.
	ErrSessionCookieMissing = errors.New("JSESSIONID not found, login failed")

	// ErrAuthFailedAfterRefresh is returned when a request is rejected again
	// after the credential was re-acquired.
	ErrAuthFailedAfterRefresh = errors.New("authentication failed after credential refresh")
)
