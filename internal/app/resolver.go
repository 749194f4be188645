/**
 * @description
 * Account resolution for the transfer-service. The resolver maps an arbitrary
 * identifier (internal account id, handle, or settlement address) to a
 * registered account, and classifies raw addresses syntactically for external
 * transfers. It holds no state beyond the repository it reads from.
 */

package app

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
)

// Recognized settlement address shapes. Matching is purely syntactic; an
// address that parses here may still not exist on any chain.
var (
	hexAddressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	base58AddressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{25,35}$`)
	base62AddressPattern = regexp.MustCompile(`^[0-9A-Za-z]{32,44}$`)
)

// AccountResolver maps identifiers to accounts and validates address syntax.
type AccountResolver struct {
	repo store.Repository
}

// NewAccountResolver creates a resolver backed by the given repository.
func NewAccountResolver(repo store.Repository) *AccountResolver {
	return &AccountResolver{repo: repo}
}

// Resolve tries, in fixed priority order: internal id exact match, handle
// exact match (case-insensitive), then settlement-address match across all
// chains. The first match wins; ambiguous identifiers are never merged.
// Absence is an expected outcome and surfaces as store.ErrAccountNotFound.
func (r *AccountResolver) Resolve(ctx context.Context, identifier string) (*domain.Account, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil, store.ErrAccountNotFound
	}

	if id, err := uuid.Parse(trimmed); err == nil {
		account, err := r.repo.FindAccountByID(ctx, id)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
	}

	account, err := r.repo.FindAccountByHandle(ctx, trimmed)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	return r.repo.FindAccountBySettlementAddress(ctx, trimmed)
}

// IsExternalAddress reports whether the string matches one of the known
// settlement address shapes: hex-prefixed fixed length, Base58 25-35 chars,
// or Base62 32-44 chars.
func (r *AccountResolver) IsExternalAddress(address string) bool {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return false
	}
	return hexAddressPattern.MatchString(trimmed) ||
		base58AddressPattern.MatchString(trimmed) ||
		base62AddressPattern.MatchString(trimmed)
}
