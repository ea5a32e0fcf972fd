package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Transfer is one decoded ERC20 Transfer event.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// TokenReader is the read side of the payment token.
type TokenReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransfersTo(ctx context.Context, to common.Address, fromBlock uint64) ([]Transfer, error)
}

// Token is the ERC20 binding for the payment token.
type Token struct {
	caller  Caller
	address common.Address
}

var _ TokenReader = (*Token)(nil)

// NewToken binds the token contract at address.
func NewToken(caller Caller, address common.Address) *Token {
	return &Token{caller: caller, address: address}
}

// Address returns the token contract address.
func (t *Token) Address() common.Address { return t.address }

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", owner)
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, spender)
}

func (t *Token) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	results, err := tokenABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: decode %s: %w", method, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("chain: %s returned no values", method)
	}
	v, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T", method, results[0])
	}
	return v, nil
}

// TransfersTo returns Transfer events whose recipient is to, from fromBlock
// onward. Logs from other contracts or with malformed topics are skipped.
func (t *Token) TransfersTo(ctx context.Context, to common.Address, fromBlock uint64) ([]Transfer, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{t.address},
		Topics: [][]common.Hash{
			{TransferEventSig},
			nil,
			{common.BytesToHash(to.Bytes())},
		},
	}

	logs, err := t.caller.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter transfer logs: %w", err)
	}

	transfers := make([]Transfer, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != TransferEventSig {
			continue
		}
		if lg.Address != t.address || common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		transfers = append(transfers, Transfer{
			From:        common.BytesToAddress(lg.Topics[1].Bytes()),
			To:          to,
			Value:       new(big.Int).SetBytes(lg.Data),
			TxHash:      lg.TxHash,
			BlockNumber: lg.BlockNumber,
		})
	}
	return transfers, nil
}
