package service

import "errors"

var (
	// ErrInvalidCheckoutRequest indicates missing or malformed checkout input.
	ErrInvalidCheckoutRequest = errors.New("invalid checkout request")
	// ErrInvalidAmount indicates a checkout amount that is not a positive SEK value.
	ErrInvalidAmount = errors.New("checkout amount must be greater than zero")
	// ErrOrderNotFound is returned when no local mirror matches a provider order.
	ErrOrderNotFound = errors.New("teori order not found")
	// ErrInvalidCallback indicates an unreadable provider callback payload.
	ErrInvalidCallback = errors.New("invalid teori callback")
	// ErrInvalidSignature is returned when a callback signature does not verify.
	ErrInvalidSignature = errors.New("invalid teori callback signature")
	// ErrInvalidCallbackToken is returned when the per-order callback token is missing, wrong or expired.
	ErrInvalidCallbackToken = errors.New("invalid teori callback token")
	// ErrUnknownSetting is returned for setting names the resolver does not read.
	ErrUnknownSetting = errors.New("unknown teori setting")
)
