/**
 * @description
 * This file implements status reconciliation against the custody service.
 * A completed transfer carries the custody-side status observed at
 * submission time; the settlement itself confirms asynchronously on chain.
 * The reconciler re-reads the custody transaction and folds the newer
 * status, transaction hash and fee data back onto the local row.
 *
 * It runs in two modes: on demand from status reads, and as a periodic
 * sweep over every transfer still awaiting a terminal external status.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
	"github.com/vaultline/transfer-service/pkg/custodyclient"
)

const (
	reconcileMaxAttempts  = 3
	reconcileBaseDelay    = 200 * time.Millisecond
	reconcileMaxDelay     = 2 * time.Second
	defaultReconcileBatch = 100
)

// Reconciler refreshes local transfer rows from the custody service.
type Reconciler struct {
	repo    store.Repository
	custody CustodyClient
}

// NewReconciler creates a reconciler over the given repository and client.
func NewReconciler(repo store.Repository, custody CustodyClient) *Reconciler {
	return &Reconciler{repo: repo, custody: custody}
}

// RefreshTransfer fetches the current custody-side view of one transfer and
// persists any newer status or enrichment data. Transient fetch failures are
// retried with capped exponential backoff.
func (r *Reconciler) RefreshTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if transfer.ExternalReference == nil || *transfer.ExternalReference == "" {
		return fmt.Errorf("transfer %s has no external reference to reconcile", transfer.ID)
	}
	if !r.custody.IsAvailable() {
		return ErrServiceUnavailable
	}

	var lastErr error
	delay := reconcileBaseDelay
	for attempt := 1; attempt <= reconcileMaxAttempts; attempt++ {
		status, err := r.custody.GetStatus(ctx, *transfer.ExternalReference)
		if err == nil {
			return r.apply(ctx, transfer, status)
		}
		lastErr = err
		if attempt == reconcileMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconcileMaxDelay {
			delay = reconcileMaxDelay
		}
	}
	return fmt.Errorf("failed to fetch custody status for %s: %w", transfer.ID, lastErr)
}

// apply writes the fetched custody status back to the row. Unchanged
// non-terminal statuses are still written; the updated_at bump records when
// the transfer was last checked.
func (r *Reconciler) apply(ctx context.Context, transfer *domain.Transfer, status *custodyclient.TransferStatus) error {
	params := store.ReconciliationParams{
		TransactionHash: status.TransactionHash,
		FeeAmount:       status.FeeAmount,
		GasUsed:         status.GasUsed,
		GasPrice:        status.GasPrice,
	}
	if status.ExternalStatus != "" {
		externalStatus := status.ExternalStatus
		params.ExternalStatus = &externalStatus
	}
	if err := r.repo.UpdateTransferReconciliation(ctx, transfer.ID, params); err != nil {
		if errors.Is(err, store.ErrInvalidTransferState) {
			// Row moved out of completed since we loaded it; nothing to do.
			return nil
		}
		return err
	}
	return nil
}

// ReconcileOutstanding sweeps transfers awaiting a terminal external status
// and refreshes each one. Individual failures are logged and skipped so one
// stuck transfer cannot stall the batch.
func (r *Reconciler) ReconcileOutstanding(ctx context.Context, limit int) {
	if limit <= 0 {
		limit = defaultReconcileBatch
	}
	transfers, err := r.repo.FindTransfersAwaitingReconciliation(ctx, limit)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"failed to load transfers for reconciliation\" err=%v", err)
		return
	}
	if len(transfers) == 0 {
		return
	}
	log.Printf("level=info component=reconciler msg=\"reconciling transfers\" count=%d", len(transfers))
	for i := range transfers {
		if ctx.Err() != nil {
			return
		}
		if err := r.RefreshTransfer(ctx, &transfers[i]); err != nil {
			log.Printf("level=warn component=reconciler msg=\"transfer reconciliation failed\" transfer_id=%s err=%v", transfers[i].ID, err)
		}
	}
}
