package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
)

type resolverRepoStub struct {
	store.Repository

	byID      map[uuid.UUID]*domain.Account
	byHandle  map[string]*domain.Account
	byAddress map[string]*domain.Account
}

func newResolverRepoStub() *resolverRepoStub {
	return &resolverRepoStub{
		byID:      make(map[uuid.UUID]*domain.Account),
		byHandle:  make(map[string]*domain.Account),
		byAddress: make(map[string]*domain.Account),
	}
}

func (s *resolverRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if account, ok := s.byID[accountID]; ok {
		return account, nil
	}
	return nil, store.ErrAccountNotFound
}

func (s *resolverRepoStub) FindAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	if account, ok := s.byHandle[handle]; ok {
		return account, nil
	}
	return nil, store.ErrAccountNotFound
}

func (s *resolverRepoStub) FindAccountBySettlementAddress(ctx context.Context, address string) (*domain.Account, error) {
	if account, ok := s.byAddress[address]; ok {
		return account, nil
	}
	return nil, store.ErrAccountNotFound
}

func TestResolve_PriorityOrder(t *testing.T) {
	repo := newResolverRepoStub()
	resolver := NewAccountResolver(repo)

	idAccount := &domain.Account{ID: uuid.New()}
	repo.byID[idAccount.ID] = idAccount

	handleAccount := &domain.Account{ID: uuid.New()}
	repo.byHandle["alice"] = handleAccount

	addressAccount := &domain.Account{ID: uuid.New()}
	repo.byAddress["0x1111111111111111111111111111111111111111"] = addressAccount

	got, err := resolver.Resolve(context.Background(), idAccount.ID.String())
	if err != nil || got.ID != idAccount.ID {
		t.Fatalf("expected id match, got %v / %v", got, err)
	}

	got, err = resolver.Resolve(context.Background(), "alice")
	if err != nil || got.ID != handleAccount.ID {
		t.Fatalf("expected handle match, got %v / %v", got, err)
	}

	got, err = resolver.Resolve(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil || got.ID != addressAccount.ID {
		t.Fatalf("expected address match, got %v / %v", got, err)
	}
}

func TestResolve_UUIDShapedHandleFallsThrough(t *testing.T) {
	repo := newResolverRepoStub()
	resolver := NewAccountResolver(repo)

	// A uuid-shaped identifier with no matching account id may still name a
	// handle. Resolution must fall through rather than stop at the id miss.
	id := uuid.New()
	handleAccount := &domain.Account{ID: uuid.New()}
	repo.byHandle[id.String()] = handleAccount

	got, err := resolver.Resolve(context.Background(), id.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != handleAccount.ID {
		t.Fatal("expected fall-through to handle lookup")
	}
}

func TestResolve_AbsenceIsNotFound(t *testing.T) {
	resolver := NewAccountResolver(newResolverRepoStub())

	if _, err := resolver.Resolve(context.Background(), "nobody"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "   "); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for blank input, got %v", err)
	}
}

func TestIsExternalAddress(t *testing.T) {
	resolver := NewAccountResolver(newResolverRepoStub())

	tests := []struct {
		name    string
		address string
		want    bool
	}{
		{
			name:    "hex address",
			address: "0x9a2B7c4D5e6F70819293a4B5C6d7E8F901234567",
			want:    true,
		},
		{
			name:    "hex address wrong length",
			address: "0x9a2B7c4D5e6F7081",
			want:    false,
		},
		{
			name:    "base58 address",
			address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7Divf",
			want:    true,
		},
		{
			name:    "base58 rejects ambiguous characters",
			address: "0OIl0OIl0OIl0OIl0OIl0OIl0OI",
			want:    false,
		},
		{
			name:    "base62 address",
			address: "4Nd1mY6YbJCTVmcRpqpb1NgFiPJhdZS3sM83uYLz9CqW",
			want:    true,
		},
		{
			name:    "empty string",
			address: "",
			want:    false,
		},
		{
			name:    "whitespace only",
			address: "   ",
			want:    false,
		},
		{
			name:    "symbols rejected",
			address: "alice@example.com",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolver.IsExternalAddress(tt.address); got != tt.want {
				t.Fatalf("IsExternalAddress(%q) = %t, want %t", tt.address, got, tt.want)
			}
		})
	}
}
