package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuthorizationCode is a one-time 6-digit code bound to a pending transfer.
// The record snapshots the transfer terms at issuance so the later execute
// call cannot silently alter them. At most one unused, unexpired code exists
// per transfer id; consumption flips is_used exactly once.
type AuthorizationCode struct {
	UserID        uuid.UUID       `json:"user_id"`
	TransferID    uuid.UUID       `json:"transfer_id"`
	Code          string          `json:"-"`
	Recipient     string          `json:"recipient"`
	RecipientKind string          `json:"recipient_kind"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Blockchain    string          `json:"blockchain"`
	Memo          *string         `json:"memo,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	IsUsed        bool            `json:"is_used"`
	UsedAt        *time.Time      `json:"used_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsExpired reports whether the code is past its TTL at the given instant.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
