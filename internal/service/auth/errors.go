// Package auth provides password hashing and JWT token issuance and
// validation for the HTTP tier.
package auth

import "errors"

// Common authentication errors.
var (
	// ErrInvalidToken is returned when a token fails signature or claims
	// validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when a token's expiry has passed.
	ErrExpiredToken = errors.New("token expired")

	// ErrInvalidCredentials is returned when an email/password pair does
	// not match a stored user. It deliberately does not distinguish
	// unknown email from wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
