package domain

import "errors"

var (
	ErrFunding              = errors.New("funding failed")
	ErrLedgerAlreadyOpen    = errors.New("ledger already open")
	ErrLedgerNotFound       = errors.New("ledger not found")
	ErrProviderNotFound     = errors.New("provider not found")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrAcknowledgment       = errors.New("provider acknowledgment failed")
	ErrProviderVerification = errors.New("provider verification failed")
	ErrAuthentication       = errors.New("request authentication failed")
	ErrTransport            = errors.New("transport error")
	ErrResponseValidation   = errors.New("response validation failed")
	ErrQuote                = errors.New("quote unavailable")
	ErrModelNotSupported    = errors.New("model not supported by provider")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrRunNotFound          = errors.New("run not found")
)
