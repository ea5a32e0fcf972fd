// Package wallet provides the signing session the escrow coordinator submits
// transactions through.
package wallet

import (
	"cmp"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrNoSession         = errors.New("wallet: no session")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TransferError records which step of a submission failed.
type TransferError struct {
	Op     string // nonce, gas_price, sign, send or confirm
	TxHash string // set once the transaction has a hash
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash == "" {
		return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Session is a connected signer. It is obtained once, outside the
// coordinator, and passed into every call that moves money.
type Session interface {
	Address() common.Address
	// Send signs and submits a call to contract `to`. Gas estimation failure
	// falls back to the session's gas ceiling rather than aborting.
	Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	// WaitForReceipt polls for a mined receipt. A reverted receipt returns a
	// *TransferError wrapping ErrTransactionFailed and the revert cause.
	WaitForReceipt(ctx context.Context, txHash common.Hash, poll Poll) (*types.Receipt, error)
}

// EthClient is the subset of *ethclient.Client a Wallet uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DefaultGasCeiling is the gas limit used when estimation fails.
const DefaultGasCeiling = uint64(500000)

// Poll bounds a receipt wait.
type Poll struct {
	Attempts int
	Interval time.Duration
}

// DefaultPoll is used for escrow writes. Approval waits use their own,
// shorter bound from config.
var DefaultPoll = Poll{Attempts: 60, Interval: 2 * time.Second}

type Config struct {
	RPCURL     string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
	GasCeiling uint64
}

type Option func(*Wallet)

// WithClient replaces the dialed RPC client.
func WithClient(client EthClient) Option {
	return func(w *Wallet) { w.client = client }
}

// WithLogger sets the logger used for gas fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wallet) { w.logger = l }
}

// Wallet is a private-key Session used by the operator surface. Sends are
// serialized so concurrent fund and release calls on different invoices
// never reuse a nonce.
type Wallet struct {
	client     EthClient
	key        *ecdsa.PrivateKey
	address    common.Address
	signer     types.Signer
	gasCeiling uint64
	logger     *slog.Logger

	sendMu    sync.Mutex
	nextNonce *uint64 // nil until the first successful send

	mu   sync.Mutex
	sent map[common.Hash]ethereum.CallMsg // awaiting receipt, for revert replay
}

var _ Session = (*Wallet)(nil)

func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	w := &Wallet{
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		signer:     types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		gasCeiling: cmp.Or(cfg.GasCeiling, DefaultGasCeiling),
		logger:     slog.Default(),
		sent:       make(map[common.Hash]ethereum.CallMsg),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.RPCURL == "":
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	case cfg.PrivateKey == "":
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	case len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64:
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	case cfg.ChainID == 0:
		return errors.New("chain ID required")
	}
	return nil
}

func (w *Wallet) Address() common.Address {
	return w.address
}

// GasCeiling returns the fallback gas limit.
func (w *Wallet) GasCeiling() uint64 { return w.gasCeiling }

// Send signs and submits a zero-value call to a contract.
func (w *Wallet) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	nonce, err := w.nonce(ctx)
	if err != nil {
		return common.Hash{}, &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TransferError{Op: "gas_price", Err: err}
	}

	msg := ethereum.CallMsg{From: w.address, To: &to, Value: new(big.Int), Data: data}
	gas, err := w.client.EstimateGas(ctx, msg)
	if err != nil {
		w.logger.Warn("gas estimation failed, using ceiling",
			"to", to.Hex(), "ceiling", w.gasCeiling, "error", err)
		gas = w.gasCeiling
	}

	tx, err := types.SignNewTx(w.key, w.signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, &TransferError{Op: "sign", Err: err}
	}

	hash := tx.Hash()
	if err := w.client.SendTransaction(ctx, tx); err != nil {
		w.nextNonce = nil // resync from the node next time
		return common.Hash{}, &TransferError{Op: "send", TxHash: hash.Hex(), Err: err}
	}
	next := nonce + 1
	w.nextNonce = &next

	w.mu.Lock()
	w.sent[hash] = msg
	w.mu.Unlock()
	return hash, nil
}

// nonce is the larger of the node's pending nonce and the one after our
// last send, which the node may not have seen yet. Requires sendMu.
func (w *Wallet) nonce(ctx context.Context) (uint64, error) {
	pending, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return 0, err
	}
	if w.nextNonce != nil && *w.nextNonce > pending {
		return *w.nextNonce, nil
	}
	return pending, nil
}

// WaitForReceipt polls at poll.Interval, at most poll.Attempts times. A
// reverted transaction is replayed at its block to recover the revert reason.
// The call is forgotten on every return, so a later wait on a timed-out hash
// reports a revert without its reason.
func (w *Wallet) WaitForReceipt(ctx context.Context, txHash common.Hash, poll Poll) (*types.Receipt, error) {
	if poll.Attempts <= 0 {
		poll = DefaultPoll
	}

	ticker := time.NewTicker(poll.Interval)
	defer ticker.Stop()

	for attempt := 0; attempt < poll.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			w.forget(txHash)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		receipt, err := w.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			// Not mined yet, keep waiting
			continue
		}

		msg, known := w.forget(txHash)
		if receipt.Status == types.ReceiptStatusFailed {
			cause := error(ErrTransactionFailed)
			if known {
				cause = w.revertCause(ctx, msg, receipt)
			}
			return receipt, &TransferError{
				Op:     "confirm",
				TxHash: txHash.Hex(),
				Err:    cause,
			}
		}
		return receipt, nil
	}

	w.forget(txHash)
	return nil, &TransferError{
		Op:     "confirm",
		TxHash: txHash.Hex(),
		Err:    fmt.Errorf("%w: no receipt after %d attempts", ErrTimeout, poll.Attempts),
	}
}

func (w *Wallet) forget(txHash common.Hash) (ethereum.CallMsg, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg, ok := w.sent[txHash]
	delete(w.sent, txHash)
	return msg, ok
}

// revertCause replays the failed call against the receipt's block. The
// returned error always wraps ErrTransactionFailed and, when the node gives
// one, the revert error itself.
func (w *Wallet) revertCause(ctx context.Context, msg ethereum.CallMsg, receipt *types.Receipt) error {
	_, err := w.client.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ErrTransactionFailed
	}
	return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
}

func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
