package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remittance/internal/ledger"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	custody = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestMockUSDCMetadata(t *testing.T) {
	tok := NewMockUSDC(owner)

	assert.Equal(t, "Mock USD Coin", tok.Name())
	assert.Equal(t, "MUSDC", tok.Symbol())
	assert.Equal(t, uint8(6), tok.Decimals())
	assert.Equal(t, crypto.CreateAddress(owner, 0), tok.Address())
	assert.Equal(t, "100000000", tok.Units(100).String())
}

func TestFaucet(t *testing.T) {
	tok := NewMockUSDC(owner)

	require.NoError(t, tok.Faucet(alice, tok.Units(500)))
	assert.Equal(t, tok.Units(500), tok.BalanceOf(alice))
	assert.Equal(t, tok.Units(500), tok.TotalSupply())

	require.NoError(t, tok.Faucet(alice, tok.Units(1000)))
	assert.ErrorIs(t, tok.Faucet(alice, tok.Units(1001)), ErrFaucetLimit)
	assert.ErrorIs(t, tok.Faucet(alice, big.NewInt(0)), ErrInvalidAmount)
}

func TestMintOnlyOwner(t *testing.T) {
	tok := NewMockUSDC(owner)

	assert.ErrorIs(t, tok.Mint(alice, alice, tok.Units(1)), ErrNotOwner)
	require.NoError(t, tok.Mint(owner, alice, tok.Units(10_000)))
	assert.Equal(t, tok.Units(10_000), tok.BalanceOf(alice))
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	tok := NewMockUSDC(owner)
	require.NoError(t, tok.Mint(owner, alice, tok.Units(100)))
	require.NoError(t, tok.Approve(alice, custody, tok.Units(60)))

	require.NoError(t, tok.TransferFrom(custody, alice, bob, tok.Units(40)))
	assert.Equal(t, tok.Units(20), tok.Allowance(alice, custody))
	assert.Equal(t, tok.Units(60), tok.BalanceOf(alice))
	assert.Equal(t, tok.Units(40), tok.BalanceOf(bob))

	assert.ErrorIs(t, tok.TransferFrom(custody, alice, bob, tok.Units(21)), ErrInsufficientAllowance)
}

func TestTransferInsufficientBalance(t *testing.T) {
	tok := NewMockUSDC(owner)
	require.NoError(t, tok.Mint(owner, alice, tok.Units(1)))

	err := tok.Transfer(alice, bob, tok.Units(2))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, tok.Units(1), tok.BalanceOf(alice))
	assert.ErrorIs(t, tok.Transfer(alice, common.Address{}, tok.Units(1)), ErrZeroAddress)
}

func TestVaultMapsErrors(t *testing.T) {
	ctx := context.Background()
	tok := NewMockUSDC(owner)
	vault := NewVault(tok, custody)
	require.NoError(t, tok.Mint(owner, alice, tok.Units(5)))

	assert.ErrorIs(t, vault.Pull(ctx, alice, tok.Units(1)), ledger.ErrInsufficientAllowance)

	require.NoError(t, tok.Approve(alice, custody, tok.Units(10)))
	assert.ErrorIs(t, vault.Pull(ctx, alice, tok.Units(6)), ledger.ErrInsufficientBalance)

	require.NoError(t, vault.Pull(ctx, alice, tok.Units(5)))
	held, err := vault.Custody(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok.Units(5), held)

	assert.ErrorIs(t, vault.Push(ctx, bob, tok.Units(6)), ledger.ErrTransferFailure)
	require.NoError(t, vault.Push(ctx, bob, tok.Units(5)))
	assert.Equal(t, tok.Units(5), tok.BalanceOf(bob))
}

func TestRegistrySweep(t *testing.T) {
	ctx := context.Background()
	tok := NewMockUSDC(owner)
	reg := NewRegistry(custody, tok)
	require.NoError(t, tok.Mint(owner, custody, tok.Units(3)))

	require.NoError(t, reg.Sweep(ctx, tok.Address(), owner, tok.Units(3)))
	assert.Equal(t, tok.Units(3), tok.BalanceOf(owner))

	assert.Error(t, reg.Sweep(ctx, alice, owner, tok.Units(1)))
}
