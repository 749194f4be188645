/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the transfer-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/vaultline/transfer-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods (read-only; accounts are owned by the account store)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountByHandle(ctx context.Context, handle string) (*domain.Account, error)
	FindAccountBySettlementAddress(ctx context.Context, address string) (*domain.Account, error)

	// Authorization code methods
	CreateAuthorizationCode(ctx context.Context, code *domain.AuthorizationCode) error
	FindAuthorizationCode(ctx context.Context, transferID uuid.UUID) (*domain.AuthorizationCode, error)
	// ConsumeAuthorizationCode atomically flips is_used from false to true and
	// returns the consumed snapshot. Exactly one concurrent caller wins; the
	// rest receive ErrCodeAlreadyUsed.
	ConsumeAuthorizationCode(ctx context.Context, transferID uuid.UUID) (*domain.AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, transferID uuid.UUID) error
	DeleteExpiredAuthorizationCodes(ctx context.Context) (int64, error)

	// Transfer lifecycle methods. Status transitions are single conditional
	// updates guarded by the current status; a transition that matches no row
	// fails with ErrInvalidTransferState.
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransfersByAccountID(ctx context.Context, accountID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transfer, error)
	FindTransfersAwaitingReconciliation(ctx context.Context, limit int) ([]domain.Transfer, error)
	MarkTransferProcessing(ctx context.Context, transferID uuid.UUID) error
	MarkTransferCompleted(ctx context.Context, transferID uuid.UUID, externalReference, externalStatus string, transactionHash *string) error
	MarkTransferFailed(ctx context.Context, transferID uuid.UUID, errorMessage string) error
	CancelTransfer(ctx context.Context, transferID uuid.UUID) error
	UpdateTransferReconciliation(ctx context.Context, transferID uuid.UUID, params ReconciliationParams) error
}

// ReconciliationParams carries the enrichment fields the reconciler is allowed
// to write. Nil fields are left untouched; the primary status column is never
// written through this path.
type ReconciliationParams struct {
	ExternalStatus  *string
	TransactionHash *string
	FeeAmount       *string
	GasUsed         *string
	GasPrice        *string
}
