package domain

import "github.com/google/uuid"

// Account is a read-only projection of a registered account, containing only
// the data the transfer-service needs. Accounts are owned by the account
// store; this service never writes them.
type Account struct {
	ID      uuid.UUID `json:"id"`
	Handle  *string   `json:"handle,omitempty"`
	Email   *string   `json:"email,omitempty"`
	Wallets []Wallet  `json:"wallets,omitempty"`
}

// Wallet is a per-chain settlement destination provisioned for an account by
// the custody service.
type Wallet struct {
	Chain           string `json:"chain"`
	Address         string `json:"address"`
	CustodyWalletID string `json:"custody_wallet_id"`
}

// WalletForChain returns the account's wallet on the given chain, if any.
func (a *Account) WalletForChain(chain string) (*Wallet, bool) {
	for i := range a.Wallets {
		if a.Wallets[i].Chain == chain {
			return &a.Wallets[i], true
		}
	}
	return nil, false
}
