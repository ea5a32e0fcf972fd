package circuitbreaker

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/paylink/internal/chain"
)

// Breaker keys for the guarded RPC methods.
const (
	KeyCall = "eth_call"
	KeyLogs = "eth_getLogs"
)

// Caller guards a chain.Caller. Contract reverts and caller cancellation are
// answers from a live node and do not count as failures.
type Caller struct {
	inner   chain.Caller
	breaker *Breaker
}

var _ chain.Caller = (*Caller)(nil)

// WrapCaller returns inner guarded by b.
func WrapCaller(inner chain.Caller, b *Breaker) *Caller {
	return &Caller{inner: inner, breaker: b}
}

// CallContract implements chain.Caller.
func (c *Caller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if !c.breaker.Allow(KeyCall) {
		return nil, ErrOpen
	}
	out, err := c.inner.CallContract(ctx, call, blockNumber)
	c.record(KeyCall, err)
	return out, err
}

// FilterLogs implements chain.Caller.
func (c *Caller) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if !c.breaker.Allow(KeyLogs) {
		return nil, ErrOpen
	}
	logs, err := c.inner.FilterLogs(ctx, q)
	c.record(KeyLogs, err)
	return logs, err
}

func (c *Caller) record(key string, err error) {
	var de rpc.DataError
	switch {
	case err == nil, errors.As(err, &de):
		c.breaker.RecordSuccess(key)
	case errors.Is(err, context.Canceled):
		// No verdict on the node, but a cancelled probe must not leave the
		// circuit half-open forever.
		if c.breaker.State(key) == StateHalfOpen {
			c.breaker.RecordFailure(key)
		}
	default:
		c.breaker.RecordFailure(key)
	}
}
