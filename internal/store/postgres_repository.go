/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to transfers, authorization codes, accounts and wallets.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vaultline/transfer-service/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrCodeNotFound         = errors.New("authorization code not found")
	ErrCodeAlreadyUsed      = errors.New("authorization code already used")
	ErrDuplicateCode        = errors.New("an authorization code already exists for this transfer")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrInvalidTransferState = errors.New("transfer is not in a state that allows this transition")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByID retrieves an account and its wallets by internal id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return r.findAccount(ctx, `SELECT id, handle, email FROM accounts WHERE id = $1`, accountID)
}

// FindAccountByHandle retrieves an account by its handle, case-insensitively.
func (r *PostgresRepository) FindAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	query := `SELECT id, handle, email FROM accounts WHERE lower(btrim(handle)) = lower(btrim($1))`
	return r.findAccount(ctx, query, handle)
}

// FindAccountBySettlementAddress retrieves the account owning a wallet with
// the given settlement address on any chain.
func (r *PostgresRepository) FindAccountBySettlementAddress(ctx context.Context, address string) (*domain.Account, error) {
	query := `
		SELECT a.id, a.handle, a.email
		FROM accounts a
		JOIN wallets w ON w.account_id = a.id
		WHERE w.address = $1
		LIMIT 1
	`
	return r.findAccount(ctx, query, strings.TrimSpace(address))
}

func (r *PostgresRepository) findAccount(ctx context.Context, query string, arg any) (*domain.Account, error) {
	var account domain.Account
	err := r.db.QueryRow(ctx, query, arg).Scan(&account.ID, &account.Handle, &account.Email)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT chain, address, custody_wallet_id FROM wallets WHERE account_id = $1 ORDER BY chain`,
		account.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.Chain, &w.Address, &w.CustodyWalletID); err != nil {
			return nil, err
		}
		account.Wallets = append(account.Wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &account, nil
}

// CreateAuthorizationCode persists a freshly issued code record.
func (r *PostgresRepository) CreateAuthorizationCode(ctx context.Context, code *domain.AuthorizationCode) error {
	query := `
		INSERT INTO authorization_codes (
			transfer_id, user_id, code, recipient, recipient_kind,
			amount, token, blockchain, memo, expires_at, is_used, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NOW())
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		code.TransferID,
		code.UserID,
		code.Code,
		code.Recipient,
		code.RecipientKind,
		code.Amount.String(),
		code.Token,
		code.Blockchain,
		code.Memo,
		code.ExpiresAt,
	).Scan(&code.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCode
		}
		return err
	}
	return nil
}

const authorizationCodeColumns = `
	transfer_id, user_id, code, recipient, recipient_kind,
	amount::text, token, blockchain, memo, expires_at, is_used, used_at, created_at
`

func scanAuthorizationCode(row pgx.Row) (*domain.AuthorizationCode, error) {
	var code domain.AuthorizationCode
	var amount string
	err := row.Scan(
		&code.TransferID,
		&code.UserID,
		&code.Code,
		&code.Recipient,
		&code.RecipientKind,
		&amount,
		&code.Token,
		&code.Blockchain,
		&code.Memo,
		&code.ExpiresAt,
		&code.IsUsed,
		&code.UsedAt,
		&code.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	code.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	return &code, nil
}

// FindAuthorizationCode retrieves a code record by its transfer id.
func (r *PostgresRepository) FindAuthorizationCode(ctx context.Context, transferID uuid.UUID) (*domain.AuthorizationCode, error) {
	query := `SELECT ` + authorizationCodeColumns + ` FROM authorization_codes WHERE transfer_id = $1`
	code, err := scanAuthorizationCode(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return code, nil
}

// ConsumeAuthorizationCode marks a code as used with a single conditional
// update. The WHERE clause on is_used makes consumption a synchronization
// point: two racing callers cannot both see zero rows updated and both
// proceed, because only one update matches.
func (r *PostgresRepository) ConsumeAuthorizationCode(ctx context.Context, transferID uuid.UUID) (*domain.AuthorizationCode, error) {
	query := `
		UPDATE authorization_codes
		SET is_used = TRUE, used_at = NOW()
		WHERE transfer_id = $1 AND is_used = FALSE
		RETURNING ` + authorizationCodeColumns
	code, err := scanAuthorizationCode(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing code from one already consumed.
			var exists bool
			checkErr := r.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM authorization_codes WHERE transfer_id = $1)`,
				transferID,
			).Scan(&exists)
			if checkErr != nil {
				return nil, checkErr
			}
			if exists {
				return nil, ErrCodeAlreadyUsed
			}
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return code, nil
}

// DeleteAuthorizationCode removes a code record. Used to roll back issuance
// when the notification collaborator fails to deliver.
func (r *PostgresRepository) DeleteAuthorizationCode(ctx context.Context, transferID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM authorization_codes WHERE transfer_id = $1`, transferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeNotFound
	}
	return nil
}

// DeleteExpiredAuthorizationCodes garbage-collects codes past their TTL.
// Expiry is also checked on read, so this is housekeeping, not correctness.
func (r *PostgresRepository) DeleteExpiredAuthorizationCodes(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateTransfer inserts a new transfer row in the pending state.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO transfers (
			id, sender_account_id, recipient_kind, recipient_account_id,
			recipient_destination, amount, token, blockchain, memo,
			status, retry_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		transfer.ID,
		transfer.SenderAccountID,
		transfer.RecipientKind,
		transfer.RecipientAccountID,
		transfer.RecipientDestination,
		transfer.Amount.String(),
		transfer.Token,
		transfer.Blockchain,
		transfer.Memo,
		transfer.Status,
	).Scan(&transfer.CreatedAt, &transfer.UpdatedAt)
}

const transferColumns = `
	id, sender_account_id, recipient_kind, recipient_account_id,
	recipient_destination, amount::text, token, blockchain, memo,
	status, external_reference, external_status, transaction_hash,
	gas_used, gas_price, fee_amount, error_message, retry_count,
	created_at, updated_at, completed_at
`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var amount string
	err := row.Scan(
		&t.ID,
		&t.SenderAccountID,
		&t.RecipientKind,
		&t.RecipientAccountID,
		&t.RecipientDestination,
		&amount,
		&t.Token,
		&t.Blockchain,
		&t.Memo,
		&t.Status,
		&t.ExternalReference,
		&t.ExternalStatus,
		&t.TransactionHash,
		&t.GasUsed,
		&t.GasPrice,
		&t.FeeAmount,
		&t.ErrorMessage,
		&t.RetryCount,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	return &t, nil
}

// FindTransferByID retrieves a transfer by its id.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindTransfersByAccountID returns the transfer history visible to an
// account, newest first. The account sees transfers it sent and transfers it
// received internally.
func (r *PostgresRepository) FindTransfersByAccountID(ctx context.Context, accountID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transfer, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE sender_account_id = $1 OR recipient_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// FindTransfersAwaitingReconciliation returns transfers that hold an external
// reference whose custody-side status is not yet terminal.
func (r *PostgresRepository) FindTransfersAwaitingReconciliation(ctx context.Context, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE external_reference IS NOT NULL
		  AND (external_status IS NULL
		       OR external_status NOT IN ('confirmed', 'completed', 'failed', 'rejected', 'cancelled'))
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// MarkTransferProcessing moves a pending transfer to processing.
func (r *PostgresRepository) MarkTransferProcessing(ctx context.Context, transferID uuid.UUID) error {
	query := `
		UPDATE transfers
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return r.execTransition(ctx, query, transferID)
}

// MarkTransferCompleted finalizes a processing transfer. The guard on
// external_reference IS NULL means the reference can only ever be set once
// per transfer row.
func (r *PostgresRepository) MarkTransferCompleted(ctx context.Context, transferID uuid.UUID, externalReference, externalStatus string, transactionHash *string) error {
	query := `
		UPDATE transfers
		SET status = 'completed',
		    external_reference = $2,
		    external_status = $3,
		    transaction_hash = COALESCE($4, transaction_hash),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND external_reference IS NULL
	`
	tag, err := r.db.Exec(ctx, query, transferID, externalReference, externalStatus, transactionHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, transferID)
	}
	return nil
}

// MarkTransferFailed resolves a non-terminal transfer to failed with a reason.
func (r *PostgresRepository) MarkTransferFailed(ctx context.Context, transferID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE transfers
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	tag, err := r.db.Exec(ctx, query, transferID, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, transferID)
	}
	return nil
}

// CancelTransfer cancels a transfer. Only valid while still pending; once a
// submission may be in flight the external service's work is not revocable.
func (r *PostgresRepository) CancelTransfer(ctx context.Context, transferID uuid.UUID) error {
	query := `
		UPDATE transfers
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return r.execTransition(ctx, query, transferID)
}

// UpdateTransferReconciliation writes custody-side enrichment fields without
// touching the primary status column. Enrichment is only applied to completed
// transfers; failed and cancelled rows stay frozen as recorded.
func (r *PostgresRepository) UpdateTransferReconciliation(ctx context.Context, transferID uuid.UUID, params ReconciliationParams) error {
	query := `
		UPDATE transfers
		SET external_status = COALESCE($2, external_status),
		    transaction_hash = COALESCE($3, transaction_hash),
		    fee_amount = COALESCE($4, fee_amount),
		    gas_used = COALESCE($5, gas_used),
		    gas_price = COALESCE($6, gas_price),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'completed'
	`
	tag, err := r.db.Exec(ctx, query, transferID,
		params.ExternalStatus,
		params.TransactionHash,
		params.FeeAmount,
		params.GasUsed,
		params.GasPrice,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, transferID)
	}
	return nil
}

func (r *PostgresRepository) execTransition(ctx context.Context, query string, transferID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, query, transferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, transferID)
	}
	return nil
}

// transitionFailure distinguishes a missing row from a disallowed transition
// after a conditional update matched nothing.
func (r *PostgresRepository) transitionFailure(ctx context.Context, transferID uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfers WHERE id = $1)`, transferID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrTransferNotFound
	}
	return ErrInvalidTransferState
}
