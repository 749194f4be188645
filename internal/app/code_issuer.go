/**
 * @description
 * Issues the one-time authorization codes that gate transfer execution. A code
 * binds the transfer terms (recipient, amount, token, blockchain, memo) at
 * issuance time, so the later execute call cannot silently alter them.
 *
 * Key invariants:
 * - At most one unused, unexpired code exists per transfer id.
 * - A code is only allowed to exist if its delivery was at least attempted;
 *   when the notification publish fails the record is rolled back.
 * - The code value is delivered out-of-band only and never returned to the API caller.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
	"github.com/vaultline/transfer-service/pkg/rabbitmq"
)

// ErrInvalidRecipientKind is returned when the caller supplies a recipient
// type other than internal or external.
var ErrInvalidRecipientKind = errors.New("recipient type must be internal or external")

// CodeIssuer creates, delivers and rolls back transfer authorization codes.
type CodeIssuer struct {
	repo       store.Repository
	resolver   *AccountResolver
	events     rabbitmq.Publisher
	ttl        time.Duration
	memoMaxLen int
}

// NewCodeIssuer creates a new issuer. The events publisher is the delivery
// channel for issued codes; without one, issuance always fails.
func NewCodeIssuer(repo store.Repository, resolver *AccountResolver, events rabbitmq.Publisher, ttl time.Duration, memoMaxLen int) *CodeIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if memoMaxLen <= 0 {
		memoMaxLen = 140
	}
	return &CodeIssuer{
		repo:       repo,
		resolver:   resolver,
		events:     events,
		ttl:        ttl,
		memoMaxLen: memoMaxLen,
	}
}

// RequestCodeParams carries the intended transfer terms.
type RequestCodeParams struct {
	Sender        string
	Recipient     string
	RecipientKind string
	Amount        string
	Token         string
	Blockchain    string
	Memo          *string
}

// CodeIssuance is the issuance result. Note the absence of the code value.
type CodeIssuance struct {
	TransferID uuid.UUID
	TTL        time.Duration
}

// ExpiresIn renders the TTL the way the API reports it, e.g. "5 minutes".
func (i CodeIssuance) ExpiresIn() string {
	minutes := int(i.TTL.Round(time.Minute) / time.Minute)
	if minutes <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// RequestCode validates the intended transfer, issues a fresh code bound to a
// new transfer id, persists it, and hands it to the notification channel.
func (ci *CodeIssuer) RequestCode(ctx context.Context, params RequestCodeParams) (*CodeIssuance, error) {
	kind := strings.ToLower(strings.TrimSpace(params.RecipientKind))
	if kind != domain.RecipientKindInternal && kind != domain.RecipientKindExternal {
		return nil, ErrInvalidRecipientKind
	}

	recipient := strings.TrimSpace(params.Recipient)
	if recipient == "" {
		return nil, ErrInvalidRecipient
	}

	amount, err := parsePositiveAmount(params.Amount)
	if err != nil {
		return nil, err
	}

	token := strings.ToUpper(strings.TrimSpace(params.Token))
	if token == "" {
		return nil, ErrInvalidTokenInput
	}

	memo := params.Memo
	if memo != nil {
		trimmed := strings.TrimSpace(*memo)
		if len(trimmed) > ci.memoMaxLen {
			return nil, ErrMemoTooLong
		}
		memo = &trimmed
	}

	sender, err := ci.resolver.Resolve(ctx, params.Sender)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrSenderNotFound
		}
		return nil, err
	}

	if kind == domain.RecipientKindInternal {
		if _, err := ci.resolver.Resolve(ctx, recipient); err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return nil, ErrRecipientNotFound
			}
			return nil, err
		}
	} else if !ci.resolver.IsExternalAddress(recipient) {
		return nil, ErrInvalidAddress
	}

	codeValue, err := generateSecurityCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate security code: %w", err)
	}

	code := &domain.AuthorizationCode{
		UserID:        sender.ID,
		TransferID:    uuid.New(),
		Code:          codeValue,
		Recipient:     recipient,
		RecipientKind: kind,
		Amount:        amount,
		Token:         token,
		Blockchain:    strings.ToLower(strings.TrimSpace(params.Blockchain)),
		Memo:          memo,
		ExpiresAt:     time.Now().UTC().Add(ci.ttl),
	}
	if err := ci.repo.CreateAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	if err := ci.deliver(ctx, sender, code); err != nil {
		// A code that was never handed to the delivery channel must not
		// survive: the user has no way to ever retrieve it.
		if delErr := ci.repo.DeleteAuthorizationCode(ctx, code.TransferID); delErr != nil && !errors.Is(delErr, store.ErrCodeNotFound) {
			log.Printf("level=error component=code_issuer msg=\"rollback of undelivered code failed\" transfer_id=%s err=%v", code.TransferID, delErr)
		}
		log.Printf("level=warn component=code_issuer msg=\"code delivery failed\" transfer_id=%s user_id=%s err=%v", code.TransferID, sender.ID, err)
		return nil, ErrNotificationFailed
	}

	return &CodeIssuance{TransferID: code.TransferID, TTL: ci.ttl}, nil
}

func (ci *CodeIssuer) deliver(ctx context.Context, sender *domain.Account, code *domain.AuthorizationCode) error {
	if ci.events == nil {
		return errors.New("no notification channel configured")
	}
	email := ""
	if sender.Email != nil {
		email = *sender.Email
	}
	return ci.events.PublishCodeIssued(ctx, rabbitmq.CodeIssuedEvent{
		UserID:     sender.ID,
		TransferID: code.TransferID,
		Email:      email,
		Code:       code.Code,
		Amount:     code.Amount.String(),
		Token:      code.Token,
		Recipient:  code.Recipient,
		ExpiresAt:  code.ExpiresAt,
		Timestamp:  time.Now().UTC(),
	})
}

// parsePositiveAmount validates a decimal amount string and rejects zero and
// negative values.
func parsePositiveAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return amount, nil
}

// generateSecurityCode draws a 6-digit code uniformly from [100000, 999999].
func generateSecurityCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(100000+n.Int64(), 10), nil
}
