package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultName     = "Mock USD Coin"
	DefaultSymbol   = "MUSDC"
	DefaultDecimals = 6

	// faucetWholeTokens caps a single Faucet call.
	faucetWholeTokens = 1000
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrFaucetLimit           = errors.New("faucet limited to 1000 tokens per call")
	ErrNotOwner              = errors.New("caller is not the token owner")
)

// Token is an in-memory ERC20-style stablecoin used when no chain is
// configured and in tests.
type Token struct {
	mu sync.RWMutex

	address  common.Address
	owner    common.Address
	name     string
	symbol   string
	decimals uint8

	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
}

// New deploys a token owned by owner. Its address is derived the way a
// contract creation from owner's first nonce would be.
func New(owner common.Address, name, symbol string, decimals uint8) *Token {
	return &Token{
		address:     crypto.CreateAddress(owner, 0),
		owner:       owner,
		name:        name,
		symbol:      symbol,
		decimals:    decimals,
		totalSupply: new(big.Int),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
}

// NewMockUSDC deploys the default 6-decimal development stablecoin.
func NewMockUSDC(owner common.Address) *Token {
	return New(owner, DefaultName, DefaultSymbol, DefaultDecimals)
}

func (t *Token) Address() common.Address { return t.address }
func (t *Token) Owner() common.Address   { return t.owner }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }

// Units converts a whole-token count into base units.
func (t *Token) Units(whole int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.decimals)), nil)
	return scale.Mul(scale, big.NewInt(whole))
}

func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

func (t *Token) BalanceOf(account common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(account)
}

func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

// Mint creates amount for to. Only the owner may mint.
func (t *Token) Mint(caller, to common.Address, amount *big.Int) error {
	if caller != t.owner {
		return ErrNotOwner
	}
	return t.mint(to, amount)
}

// Faucet lets anyone mint up to 1000 whole tokens to themselves per call.
func (t *Token) Faucet(caller common.Address, amount *big.Int) error {
	if amount != nil && amount.Cmp(t.Units(faucetWholeTokens)) > 0 {
		return ErrFaucetLimit
	}
	return t.mint(caller, amount)
}

func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := new(big.Int)
	if m, ok := t.allowances[from]; ok && m[spender] != nil {
		allowed = m[spender]
	}
	if amount != nil && allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	if t.allowances[from] == nil {
		t.allowances[from] = make(map[common.Address]*big.Int)
	}
	t.allowances[from][spender] = new(big.Int).Sub(allowed, amount)
	return nil
}

func (t *Token) mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSupply.Add(t.totalSupply, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) moveLocked(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	bal := t.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	t.balances[from] = bal.Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) balanceLocked(account common.Address) *big.Int {
	if v, ok := t.balances[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
