// Package chain moves escrowed stablecoin on an EVM chain. The custody key
// is both the spender that pulls deposits and the holder that pays out.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"remittance/internal/contracts"
	"remittance/internal/ledger"
)

// Backend is the subset of *ethclient.Client the custodian needs.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	RPCURL         string
	PrivateKeyHex  string
	TokenAddress   string
	ReceiptTimeout time.Duration
}

// Custodian implements ledger.ValueTransfer and ledger.AssetSweeper against
// an ERC20 token contract.
type Custodian struct {
	backend        Backend
	abi            abi.ABI
	token          *bind.BoundContract
	tokenAddr      common.Address
	custody        common.Address
	transacts      *bind.TransactOpts
	receiptTimeout time.Duration

	// one transaction in flight at a time keeps nonces ordered
	txMu sync.Mutex
}

// Dial connects to cfg.RPCURL and builds a custodian for cfg.TokenAddress.
func Dial(ctx context.Context, cfg Config) (*Custodian, *ethclient.Client, error) {
	if cfg.RPCURL == "" {
		return nil, nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	c, err := NewCustodian(ctx, cli, key, cfg.TokenAddress, cfg.ReceiptTimeout)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return c, cli, nil
}

func NewCustodian(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, tokenAddress string, receiptTimeout time.Duration) (*Custodian, error) {
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("token address %q is invalid", tokenAddress)
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	if receiptTimeout <= 0 {
		receiptTimeout = 2 * time.Minute
	}
	addr := common.HexToAddress(tokenAddress)
	return &Custodian{
		backend:        backend,
		abi:            parsedABI,
		token:          bind.NewBoundContract(addr, parsedABI, backend, backend, backend),
		tokenAddr:      addr,
		custody:        txOpts.From,
		transacts:      txOpts,
		receiptTimeout: receiptTimeout,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// CustodyAddress is the account derived from the signing key.
func (c *Custodian) CustodyAddress() common.Address { return c.custody }

func (c *Custodian) TokenAddress() common.Address { return c.tokenAddr }

func (c *Custodian) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token, "allowance", owner, c.custody)
}

func (c *Custodian) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token, "balanceOf", owner)
}

func (c *Custodian) Custody(ctx context.Context) (*big.Int, error) {
	return c.BalanceOf(ctx, c.custody)
}

// Decimals reads the token's decimals().
func (c *Custodian) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// Pull runs transferFrom(from, custody, amount). Balance and allowance are
// checked first so predictable failures cost no gas and keep their kind.
func (c *Custodian) Pull(ctx context.Context, from common.Address, amount *big.Int) error {
	balance, err := c.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s < %s", ledger.ErrInsufficientBalance, balance, amount)
	}
	allowance, err := c.Allowance(ctx, from)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s < %s", ledger.ErrInsufficientAllowance, allowance, amount)
	}
	return c.transact(ctx, c.token, "transferFrom", from, c.custody, amount)
}

func (c *Custodian) Push(ctx context.Context, to common.Address, amount *big.Int) error {
	return c.transact(ctx, c.token, "transfer", to, amount)
}

// Sweep transfers amount of any ERC20 asset held by custody to to.
func (c *Custodian) Sweep(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	contract := c.token
	if asset != c.tokenAddr {
		contract = bind.NewBoundContract(asset, c.abi, c.backend, c.backend, c.backend)
	}
	return c.transact(ctx, contract, "transfer", to, amount)
}

// Ping reports whether the RPC endpoint answers.
func (c *Custodian) Ping(ctx context.Context) error {
	_, err := c.backend.BlockNumber(ctx)
	return err
}

func (c *Custodian) callUint(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *Custodian) transact(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	opts := *c.transacts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, params...)
	if err != nil {
		return fmt.Errorf("%w: %s tx: %v", ledger.ErrTransferFailure, method, err)
	}

	// Once broadcast the tx may be mined whatever the caller does, so the
	// wait outlives ctx and a timeout is reported as unconfirmed.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.receiptTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.backend, tx)
	if err != nil {
		return &ledger.UnconfirmedError{TxHash: tx.Hash(), Err: fmt.Errorf("%s: %w", method, err)}
	}
	return checkReceipt(method, receipt)
}

// Confirm reports whether a previously broadcast transaction succeeded. It
// returns ledger.ErrTransferUnconfirmed while the tx is not mined.
func (c *Custodian) Confirm(ctx context.Context, txHash common.Hash) (bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return false, ledger.ErrTransferUnconfirmed
	}
	if err != nil {
		return false, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func checkReceipt(method string, receipt *types.Receipt) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s tx %s reverted", ledger.ErrTransferFailure, method, receipt.TxHash.Hex())
	}
	return nil
}

type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var receiptPollInterval = 2 * time.Second

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client receiptFetcher, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
