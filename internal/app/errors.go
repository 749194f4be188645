package app

import "errors"

// Validation failures (400).
var (
	ErrInvalidAmount     = errors.New("amount must be a positive decimal")
	ErrInvalidAddress    = errors.New("recipient address does not match any recognized format")
	ErrInvalidRecipient  = errors.New("recipient identifier is required")
	ErrMemoTooLong       = errors.New("memo exceeds the maximum allowed length")
	ErrInvalidTokenInput = errors.New("token symbol is required")
)

// Not-found failures surfaced during code issuance (400 per the API contract:
// the caller supplied an unusable identifier, the resource itself exists).
var (
	ErrSenderNotFound          = errors.New("sender account not found")
	ErrRecipientNotFound       = errors.New("recipient account not found")
	ErrSenderWalletNotFound    = errors.New("sender has no wallet on the requested blockchain")
	ErrRecipientWalletNotFound = errors.New("recipient has no wallet on the requested blockchain")
)

// Authorization failures (400/403).
var (
	ErrCodeExpired           = errors.New("authorization code has expired")
	ErrCodeMismatch          = errors.New("authorization code does not match")
	ErrCodeOwnershipMismatch = errors.New("authorization code belongs to a different account")
	ErrAccessDenied          = errors.New("caller is not a party to this transfer")
)

// Execution failures.
var (
	ErrNotificationFailed     = errors.New("could not deliver the authorization code")
	ErrServiceUnavailable     = errors.New("custody service is unavailable")
	ErrTransferNotCancellable = errors.New("transfer can no longer be cancelled")
)
