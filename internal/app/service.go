/**
 * @description
 * This file contains the core business logic for the transfer-service. The
 * `Service` struct orchestrates transfer authorization and execution,
 * coordinating between the database repository, the custody API client, and
 * the message broker.
 *
 * Key features:
 * - Validates and consumes one-time authorization codes exactly once.
 * - Drives the transfer state machine (pending -> processing -> terminal)
 *   around the custody submission, never leaving a row in processing.
 * - Submits with the transfer id as idempotency key so a duplicate request
 *   cannot produce a second on-chain transaction.
 * - Exposes access-controlled history, detail and status reads.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/custodyclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
	"github.com/vaultline/transfer-service/pkg/custodyclient"
	"github.com/vaultline/transfer-service/pkg/rabbitmq"
)

// CustodyClient is the boundary contract to the custodial transaction
// service. Constructed once at process start and injected, so tests can
// substitute a fake.
type CustodyClient interface {
	IsAvailable() bool
	ResolveToken(symbol, chain string) (string, error)
	Submit(ctx context.Context, params custodyclient.SubmitParams) (*custodyclient.TransferResult, error)
	GetStatus(ctx context.Context, externalReference string) (*custodyclient.TransferStatus, error)
}

// Service provides the core business logic for transfers.
type Service struct {
	repo          store.Repository
	custody       CustodyClient
	events        rabbitmq.Publisher
	resolver      *AccountResolver
	issuer        *CodeIssuer
	reconciler    *Reconciler
	feeLevel      string
	submitTimeout time.Duration
}

// ServiceOptions carries the tunables the orchestrator needs.
type ServiceOptions struct {
	CodeTTL       time.Duration
	MemoMaxLength int
	FeeLevel      string
	SubmitTimeout time.Duration
}

// NewService creates a new transfer service instance.
func NewService(repo store.Repository, custody CustodyClient, events rabbitmq.Publisher, opts ServiceOptions) *Service {
	resolver := NewAccountResolver(repo)
	feeLevel := strings.TrimSpace(opts.FeeLevel)
	if feeLevel == "" {
		feeLevel = "MEDIUM"
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Service{
		repo:          repo,
		custody:       custody,
		events:        events,
		resolver:      resolver,
		issuer:        NewCodeIssuer(repo, resolver, events, opts.CodeTTL, opts.MemoMaxLength),
		reconciler:    NewReconciler(repo, custody),
		feeLevel:      feeLevel,
		submitTimeout: submitTimeout,
	}
}

// StatusReconciler exposes the reconciler for the periodic cron sweep.
func (s *Service) StatusReconciler() *Reconciler {
	return s.reconciler
}

// RequestCode issues a one-time authorization code for the described transfer.
func (s *Service) RequestCode(ctx context.Context, params RequestCodeParams) (*CodeIssuance, error) {
	return s.issuer.RequestCode(ctx, params)
}

// Execute validates and consumes the authorization code bound to transferID,
// then drives the resulting transfer through submission to the custody
// service. The returned transfer is non-nil whenever a row was created, even
// on failure, so callers can report the recorded outcome.
func (s *Service) Execute(ctx context.Context, transferID uuid.UUID, code string, callerAccountID uuid.UUID) (transfer *domain.Transfer, err error) {
	// 1. Validate the code in fixed order so error responses are deterministic.
	record, err := s.repo.FindAuthorizationCode(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if record.IsExpired(time.Now().UTC()) {
		return nil, ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(record.Code), []byte(strings.TrimSpace(code))) != 1 {
		return nil, ErrCodeMismatch
	}
	if record.UserID != callerAccountID {
		return nil, ErrCodeOwnershipMismatch
	}

	// 2. Consume the code atomically before any side-effecting work. This is
	// the synchronization point against replay: of N concurrent calls with
	// the same valid code, exactly one gets past this line.
	record, err = s.repo.ConsumeAuthorizationCode(ctx, transferID)
	if err != nil {
		return nil, err
	}

	// 3. Re-resolve the destination from the code snapshot; the execute
	// request is never trusted for transfer terms.
	destination, recipientAccountID, err := s.resolveDestination(ctx, record)
	if err != nil {
		return nil, err
	}

	// 4. Create the transfer row in pending, snapshotting the terms bound at
	// issuance.
	transfer = &domain.Transfer{
		ID:                   record.TransferID,
		SenderAccountID:      record.UserID,
		RecipientKind:        record.RecipientKind,
		RecipientAccountID:   recipientAccountID,
		RecipientDestination: destination,
		Amount:               record.Amount,
		Token:                record.Token,
		Blockchain:           record.Blockchain,
		Memo:                 record.Memo,
		Status:               domain.TransferStatusPending,
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	// Whatever happens below, the row must not be left in a non-terminal
	// state when we return an error.
	defer func() {
		if recovered := recover(); recovered != nil {
			s.failTransfer(ctx, transfer, "internal error during transfer execution")
			err = fmt.Errorf("transfer execution panicked: %v", recovered)
		}
	}()

	// 5. Fail fast when the custody service is not reachable at all.
	if !s.custody.IsAvailable() {
		s.failTransfer(ctx, transfer, ErrServiceUnavailable.Error())
		return transfer, ErrServiceUnavailable
	}

	// 6. Submit through the custody service and finalize.
	if err := s.repo.MarkTransferProcessing(ctx, transfer.ID); err != nil {
		s.failTransfer(ctx, transfer, "could not start transfer processing")
		return transfer, fmt.Errorf("failed to mark transfer processing: %w", err)
	}
	transfer.Status = domain.TransferStatusProcessing

	tokenID, err := s.custody.ResolveToken(record.Token, record.Blockchain)
	if err != nil {
		s.failTransfer(ctx, transfer, err.Error())
		return transfer, err
	}

	sourceWalletID, err := s.senderWalletRef(ctx, record)
	if err != nil {
		s.failTransfer(ctx, transfer, err.Error())
		return transfer, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	result, err := s.custody.Submit(submitCtx, custodyclient.SubmitParams{
		IdempotencyKey: transfer.ID.String(),
		SourceWalletID: sourceWalletID,
		Destination:    destination,
		TokenID:        tokenID,
		Amount:         record.Amount.String(),
		FeeLevel:       s.feeLevel,
	})
	if err != nil {
		s.failTransfer(ctx, transfer, submissionErrorMessage(err))
		return transfer, fmt.Errorf("custody submission failed: %w", err)
	}
	if strings.TrimSpace(result.ExternalReference) == "" {
		s.failTransfer(ctx, transfer, "custody service returned no settlement reference")
		return transfer, errors.New("custody service returned no settlement reference")
	}

	if err := s.finalizeCompleted(ctx, transfer, result); err != nil {
		return transfer, err
	}

	now := time.Now().UTC()
	transfer.Status = domain.TransferStatusCompleted
	transfer.ExternalReference = &result.ExternalReference
	transfer.ExternalStatus = &result.ExternalStatus
	transfer.TransactionHash = result.TransactionHash
	transfer.FeeAmount = result.FeeAmount
	transfer.CompletedAt = &now

	s.publishResult(ctx, transfer, "")
	return transfer, nil
}

// resolveDestination repeats the resolution done at issuance: internal
// recipients settle to their wallet address on the requested chain, external
// recipients to the bound raw address.
func (s *Service) resolveDestination(ctx context.Context, record *domain.AuthorizationCode) (string, *uuid.UUID, error) {
	if record.RecipientKind == domain.RecipientKindExternal {
		return record.Recipient, nil, nil
	}

	recipient, err := s.resolver.Resolve(ctx, record.Recipient)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return "", nil, ErrRecipientNotFound
		}
		return "", nil, err
	}
	wallet, ok := recipient.WalletForChain(record.Blockchain)
	if !ok {
		return "", nil, ErrRecipientWalletNotFound
	}
	return wallet.Address, &recipient.ID, nil
}

// senderWalletRef locates the sender's custody wallet on the transfer chain.
func (s *Service) senderWalletRef(ctx context.Context, record *domain.AuthorizationCode) (string, error) {
	sender, err := s.repo.FindAccountByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return "", ErrSenderNotFound
		}
		return "", err
	}
	wallet, ok := sender.WalletForChain(record.Blockchain)
	if !ok {
		return "", ErrSenderWalletNotFound
	}
	return wallet.CustodyWalletID, nil
}

// Completion-write retry tuning. By the time these fire the custody service
// has already settled, so the local write cannot give up on the first
// transient error.
const (
	completionWriteAttempts   = 3
	completionWriteRetryDelay = 100 * time.Millisecond
)

// finalizeCompleted records the settled submission on a detached context: a
// disconnected client must not abort the bookkeeping for a settlement that
// already happened. When every attempt fails, the transfer is resolved to
// failed with the settlement reference in the message so the row stays
// traceable to the custody-side transaction.
func (s *Service) finalizeCompleted(ctx context.Context, transfer *domain.Transfer, result *custodyclient.TransferResult) error {
	writeCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= completionWriteAttempts; attempt++ {
		err = s.repo.MarkTransferCompleted(writeCtx, transfer.ID, result.ExternalReference, result.ExternalStatus, result.TransactionHash)
		if err == nil {
			return nil
		}
		log.Printf("level=warn component=service msg=\"completion write failed\" transfer_id=%s attempt=%d err=%v", transfer.ID, attempt, err)
		if attempt < completionWriteAttempts {
			time.Sleep(completionWriteRetryDelay)
		}
	}
	log.Printf("level=error component=service msg=\"failed to finalize completed transfer\" transfer_id=%s external_reference=%s err=%v", transfer.ID, result.ExternalReference, err)
	s.failTransfer(ctx, transfer, fmt.Sprintf("settled with custody reference %s but completion could not be recorded", result.ExternalReference))
	return fmt.Errorf("failed to finalize transfer: %w", err)
}

// failTransfer resolves a non-terminal transfer to failed with a reason. A
// transition error here is logged, not propagated: the original failure is
// what the caller needs to see.
func (s *Service) failTransfer(ctx context.Context, transfer *domain.Transfer, reason string) {
	// The caller's context may already be cancelled (client disconnect while
	// a submission was in flight). The failure write still has to land, or
	// the row would sit in processing with no external reference for the
	// reconciler to find.
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.MarkTransferFailed(ctx, transfer.ID, reason); err != nil {
		log.Printf("level=error component=service msg=\"failed to mark transfer failed\" transfer_id=%s reason=%q err=%v", transfer.ID, reason, err)
		return
	}
	transfer.Status = domain.TransferStatusFailed
	transfer.ErrorMessage = &reason
	s.publishResult(ctx, transfer, reason)
}

// publishResult emits a terminal status event, best effort.
func (s *Service) publishResult(ctx context.Context, transfer *domain.Transfer, reason string) {
	if s.events == nil {
		return
	}
	externalRef := ""
	if transfer.ExternalReference != nil {
		externalRef = *transfer.ExternalReference
	}
	event := rabbitmq.TransferResultEvent{
		UserID:            transfer.SenderAccountID,
		TransferID:        transfer.ID,
		Status:            transfer.Status,
		Amount:            transfer.Amount.String(),
		Token:             transfer.Token,
		ExternalReference: externalRef,
		Reason:            reason,
		Timestamp:         time.Now().UTC(),
	}
	if err := s.events.PublishTransferResult(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"transfer result event publish failed\" transfer_id=%s err=%v", transfer.ID, err)
	}
}

func submissionErrorMessage(err error) string {
	var custodyErr *custodyclient.ErrorResponse
	if errors.As(err, &custodyErr) {
		return custodyErr.Error()
	}
	return "custody submission failed"
}

// GetHistory returns the transfers visible to an account, newest first.
func (s *Service) GetHistory(ctx context.Context, accountID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transfer, error) {
	return s.repo.FindTransfersByAccountID(ctx, accountID, opts)
}

// GetByID returns a transfer if the caller is its sender or its internal
// recipient.
func (s *Service) GetByID(ctx context.Context, transferID, callerAccountID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if !isParty(transfer, callerAccountID) {
		return nil, ErrAccessDenied
	}
	return transfer, nil
}

// GetStatus returns a transfer like GetByID, refreshing the custody-side
// status first when an outstanding external reference exists.
func (s *Service) GetStatus(ctx context.Context, transferID, callerAccountID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.GetByID(ctx, transferID, callerAccountID)
	if err != nil {
		return nil, err
	}
	if !transfer.AwaitsReconciliation() {
		return transfer, nil
	}
	if err := s.reconciler.RefreshTransfer(ctx, transfer); err != nil {
		// Reads are best effort; stale local state is still a valid answer.
		log.Printf("level=warn component=service msg=\"status refresh failed\" transfer_id=%s err=%v", transfer.ID, err)
		return transfer, nil
	}
	return s.repo.FindTransferByID(ctx, transferID)
}

// Cancel cancels a transfer while it is still pending. Once a submission may
// be in flight the custody service's work is not revocable from here.
func (s *Service) Cancel(ctx context.Context, transferID, callerAccountID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.SenderAccountID != callerAccountID {
		return nil, ErrAccessDenied
	}
	if err := s.repo.CancelTransfer(ctx, transferID); err != nil {
		if errors.Is(err, store.ErrInvalidTransferState) {
			return nil, ErrTransferNotCancellable
		}
		return nil, err
	}
	return s.repo.FindTransferByID(ctx, transferID)
}

func isParty(transfer *domain.Transfer, accountID uuid.UUID) bool {
	if transfer.SenderAccountID == accountID {
		return true
	}
	return transfer.RecipientAccountID != nil && *transfer.RecipientAccountID == accountID
}
