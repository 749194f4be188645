/**
 * @description
 * This file defines the core domain models for the transfer-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are carried as `decimal.Decimal` values so that token quantities with
 *   fractional precision never touch floating point arithmetic.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer lifecycle statuses. A transfer starts in pending and moves forward
// only through the transitions encoded in transferTransitions below.
const (
	TransferStatusPending    = "pending"
	TransferStatusProcessing = "processing"
	TransferStatusCompleted  = "completed"
	TransferStatusFailed     = "failed"
	TransferStatusCancelled  = "cancelled"
)

// Recipient kinds. Internal recipients are registered accounts; external
// recipients are raw settlement addresses.
const (
	RecipientKindInternal = "internal"
	RecipientKindExternal = "external"
)

var transferTransitions = map[string][]string{
	TransferStatusPending:    {TransferStatusProcessing, TransferStatusFailed, TransferStatusCancelled},
	TransferStatusProcessing: {TransferStatusCompleted, TransferStatusFailed},
}

// CanTransition reports whether a transfer may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transferTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a local transfer status admits no further
// status transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled:
		return true
	}
	return false
}

// IsTerminalExternalStatus reports whether the custody service considers the
// submitted transaction settled one way or the other. Non-terminal external
// statuses are what the reconciler keeps polling for.
func IsTerminalExternalStatus(externalStatus string) bool {
	switch externalStatus {
	case "confirmed", "completed", "failed", "rejected", "cancelled":
		return true
	}
	return false
}

// Transfer represents the ledger record for a single custodial value movement.
// This struct maps directly to the `transfers` table in the database.
type Transfer struct {
	ID                   uuid.UUID       `json:"id"`
	SenderAccountID      uuid.UUID       `json:"sender_account_id"`
	RecipientKind        string          `json:"recipient_kind"`
	RecipientAccountID   *uuid.UUID      `json:"recipient_account_id,omitempty"`
	RecipientDestination string          `json:"recipient_destination"`
	Amount               decimal.Decimal `json:"amount"`
	Token                string          `json:"token"`
	Blockchain           string          `json:"blockchain"`
	Memo                 *string         `json:"memo,omitempty"`
	Status               string          `json:"status"`
	ExternalReference    *string         `json:"external_reference,omitempty"`
	ExternalStatus       *string         `json:"external_status,omitempty"`
	TransactionHash      *string         `json:"transaction_hash,omitempty"`
	GasUsed              *string         `json:"gas_used,omitempty"`
	GasPrice             *string         `json:"gas_price,omitempty"`
	FeeAmount            *string         `json:"fee_amount,omitempty"`
	ErrorMessage         *string         `json:"error_message,omitempty"`
	RetryCount           int             `json:"retry_count"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// AwaitsReconciliation reports whether the transfer holds an external
// reference whose custody-side status is not yet terminal.
func (t *Transfer) AwaitsReconciliation() bool {
	if t.ExternalReference == nil || *t.ExternalReference == "" {
		return false
	}
	if t.ExternalStatus == nil {
		return true
	}
	return !IsTerminalExternalStatus(*t.ExternalStatus)
}

// HistoryOptions controls pagination for transfer history queries.
type HistoryOptions struct {
	Limit  int
	Offset int
}
