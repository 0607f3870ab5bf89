package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"remittance/internal/ledger"
)

// Vault holds escrowed tokens in a custody account and implements
// ledger.ValueTransfer on top of an in-memory Token.
type Vault struct {
	token   *Token
	custody common.Address
}

func NewVault(tok *Token, custody common.Address) *Vault {
	return &Vault{token: tok, custody: custody}
}

func (v *Vault) Token() *Token                  { return v.token }
func (v *Vault) CustodyAddress() common.Address { return v.custody }

func (v *Vault) Allowance(_ context.Context, owner common.Address) (*big.Int, error) {
	return v.token.Allowance(owner, v.custody), nil
}

func (v *Vault) Pull(_ context.Context, from common.Address, amount *big.Int) error {
	err := v.token.TransferFrom(v.custody, from, v.custody, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientAllowance):
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientAllowance, err)
	case errors.Is(err, ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientBalance, err)
	default:
		return fmt.Errorf("%w: %v", ledger.ErrTransferFailure, err)
	}
}

func (v *Vault) Push(_ context.Context, to common.Address, amount *big.Int) error {
	if err := v.token.Transfer(v.custody, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrTransferFailure, err)
	}
	return nil
}

func (v *Vault) Custody(context.Context) (*big.Int, error) {
	return v.token.BalanceOf(v.custody), nil
}

// Registry resolves in-memory tokens by address so the administrator can
// sweep any of them out of custody.
type Registry struct {
	custody common.Address
	tokens  map[common.Address]*Token
}

func NewRegistry(custody common.Address, tokens ...*Token) *Registry {
	r := &Registry{custody: custody, tokens: make(map[common.Address]*Token)}
	for _, t := range tokens {
		r.tokens[t.Address()] = t
	}
	return r
}

func (r *Registry) Sweep(_ context.Context, asset, to common.Address, amount *big.Int) error {
	tok, ok := r.tokens[asset]
	if !ok {
		return fmt.Errorf("unknown asset %s", asset.Hex())
	}
	return tok.Transfer(r.custody, to, amount)
}
