package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
)

type issuerRepoStub struct {
	store.Repository

	mu sync.Mutex

	accounts map[uuid.UUID]*domain.Account
	handles  map[string]*domain.Account

	created *domain.AuthorizationCode
	deleted []uuid.UUID
}

func newIssuerRepoStub() *issuerRepoStub {
	return &issuerRepoStub{
		accounts: make(map[uuid.UUID]*domain.Account),
		handles:  make(map[string]*domain.Account),
	}
}

func (s *issuerRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (s *issuerRepoStub) FindAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	account, ok := s.handles[handle]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (s *issuerRepoStub) FindAccountBySettlementAddress(ctx context.Context, address string) (*domain.Account, error) {
	return nil, store.ErrAccountNotFound
}

func (s *issuerRepoStub) CreateAuthorizationCode(ctx context.Context, code *domain.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *code
	s.created = &stored
	return nil
}

func (s *issuerRepoStub) DeleteAuthorizationCode(ctx context.Context, transferID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, transferID)
	if s.created != nil && s.created.TransferID == transferID {
		s.created = nil
	}
	return nil
}

func newTestIssuer(repo *issuerRepoStub, events *publisherStub) *CodeIssuer {
	return NewCodeIssuer(repo, NewAccountResolver(repo), events, 5*time.Minute, 140)
}

func seedSender(repo *issuerRepoStub) *domain.Account {
	sender := &domain.Account{
		ID:    uuid.New(),
		Email: strPtr("sender@example.com"),
		Wallets: []domain.Wallet{
			{Chain: "ethereum", Address: "0x1111111111111111111111111111111111111111", CustodyWalletID: "cw_sender"},
		},
	}
	repo.accounts[sender.ID] = sender
	return sender
}

func validExternalParams(sender *domain.Account) RequestCodeParams {
	return RequestCodeParams{
		Sender:        sender.ID.String(),
		Recipient:     "0x9a2B7c4D5e6F70819293a4B5C6d7E8F901234567",
		RecipientKind: "external",
		Amount:        "10.25",
		Token:         "usdc",
		Blockchain:    "Ethereum",
	}
}

func TestRequestCode_IssuesSixDigitCodeWithTTL(t *testing.T) {
	repo := newIssuerRepoStub()
	sender := seedSender(repo)
	events := &publisherStub{}
	issuer := newTestIssuer(repo, events)

	issuance, err := issuer.RequestCode(context.Background(), validExternalParams(sender))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if issuance.ExpiresIn() != "5 minutes" {
		t.Fatalf("expected 5 minute expiry rendering, got %q", issuance.ExpiresIn())
	}
	if repo.created == nil {
		t.Fatal("expected the code to be persisted")
	}
	if len(repo.created.Code) != 6 || repo.created.Code[0] == '0' {
		t.Fatalf("expected a 6-digit code without leading zero, got %q", repo.created.Code)
	}
	if repo.created.Token != "USDC" || repo.created.Blockchain != "ethereum" {
		t.Fatalf("expected normalized token and chain, got %q/%q", repo.created.Token, repo.created.Blockchain)
	}
	remaining := time.Until(repo.created.ExpiresAt)
	if remaining < 4*time.Minute || remaining > 5*time.Minute+time.Second {
		t.Fatalf("expected roughly 5 minute TTL, got %s", remaining)
	}

	if len(events.codeEvents) != 1 {
		t.Fatalf("expected exactly one delivery event, got %d", len(events.codeEvents))
	}
	event := events.codeEvents[0]
	if event.Code != repo.created.Code {
		t.Fatal("expected the issued code to be delivered out-of-band")
	}
	if event.TransferID != issuance.TransferID {
		t.Fatal("expected the delivery event to reference the issued transfer")
	}
}

func TestRequestCode_ValidatesInput(t *testing.T) {
	repo := newIssuerRepoStub()
	sender := seedSender(repo)
	issuer := newTestIssuer(repo, &publisherStub{})

	tests := []struct {
		name    string
		mutate  func(*RequestCodeParams)
		wantErr error
	}{
		{
			name:    "rejects unknown recipient kind",
			mutate:  func(p *RequestCodeParams) { p.RecipientKind = "wire" },
			wantErr: ErrInvalidRecipientKind,
		},
		{
			name:    "rejects empty recipient",
			mutate:  func(p *RequestCodeParams) { p.Recipient = "   " },
			wantErr: ErrInvalidRecipient,
		},
		{
			name:    "rejects zero amount",
			mutate:  func(p *RequestCodeParams) { p.Amount = "0" },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "rejects negative amount",
			mutate:  func(p *RequestCodeParams) { p.Amount = "-3" },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "rejects unparsable amount",
			mutate:  func(p *RequestCodeParams) { p.Amount = "ten" },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "rejects missing token",
			mutate:  func(p *RequestCodeParams) { p.Token = " " },
			wantErr: ErrInvalidTokenInput,
		},
		{
			name: "rejects oversized memo",
			mutate: func(p *RequestCodeParams) {
				memo := make([]byte, 141)
				for i := range memo {
					memo[i] = 'a'
				}
				p.Memo = strPtr(string(memo))
			},
			wantErr: ErrMemoTooLong,
		},
		{
			name:    "rejects malformed external address",
			mutate:  func(p *RequestCodeParams) { p.Recipient = "not-an-address!" },
			wantErr: ErrInvalidAddress,
		},
		{
			name:    "rejects unknown sender",
			mutate:  func(p *RequestCodeParams) { p.Sender = uuid.New().String() },
			wantErr: ErrSenderNotFound,
		},
		{
			name: "rejects unknown internal recipient",
			mutate: func(p *RequestCodeParams) {
				p.RecipientKind = "internal"
				p.Recipient = "ghost_handle"
			},
			wantErr: ErrRecipientNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validExternalParams(sender)
			tt.mutate(&params)
			_, err := issuer.RequestCode(context.Background(), params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if repo.created != nil {
				t.Fatal("expected no code to be persisted on validation failure")
			}
		})
	}
}

func TestRequestCode_AcceptsInternalRecipientByHandle(t *testing.T) {
	repo := newIssuerRepoStub()
	sender := seedSender(repo)
	recipient := &domain.Account{ID: uuid.New()}
	repo.handles["alice"] = recipient
	issuer := newTestIssuer(repo, &publisherStub{})

	params := validExternalParams(sender)
	params.RecipientKind = "internal"
	params.Recipient = "alice"

	if _, err := issuer.RequestCode(context.Background(), params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.created.RecipientKind != domain.RecipientKindInternal {
		t.Fatalf("expected internal recipient kind, got %q", repo.created.RecipientKind)
	}
}

func TestRequestCode_RollsBackWhenDeliveryFails(t *testing.T) {
	repo := newIssuerRepoStub()
	sender := seedSender(repo)
	events := &publisherStub{publishErr: errors.New("broker down")}
	issuer := newTestIssuer(repo, events)

	_, err := issuer.RequestCode(context.Background(), validExternalParams(sender))
	if !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("expected ErrNotificationFailed, got %v", err)
	}
	if repo.created != nil {
		t.Fatal("expected the undeliverable code to be rolled back")
	}
	if len(repo.deleted) != 1 {
		t.Fatalf("expected one rollback delete, got %d", len(repo.deleted))
	}
}

func TestRequestCode_FailsWithoutDeliveryChannel(t *testing.T) {
	repo := newIssuerRepoStub()
	sender := seedSender(repo)
	issuer := NewCodeIssuer(repo, NewAccountResolver(repo), nil, 5*time.Minute, 140)

	_, err := issuer.RequestCode(context.Background(), validExternalParams(sender))
	if !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("expected ErrNotificationFailed, got %v", err)
	}
	if repo.created != nil {
		t.Fatal("expected no surviving code without a delivery channel")
	}
}

func TestGenerateSecurityCode_StaysInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := generateSecurityCode()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		if code[0] == '0' {
			t.Fatalf("expected no leading zero, got %q", code)
		}
	}
}
