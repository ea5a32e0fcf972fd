// Package chain binds the escrow and payment-token contracts.
//
// Only the entrypoints the coordinator uses are bound: two escrow reads
// (invoices, and the token reads balanceOf/allowance), the escrow writes
// createInvoice/fund/release, and the token writes approve/transfer/faucet.
// Writes are returned as calldata; signing and submission belong to a
// wallet session.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const escrowABIJSON = `[
	{"type":"function","name":"invoices","stateMutability":"view",
	 "inputs":[{"name":"id","type":"bytes32"}],
	 "outputs":[
		{"name":"payer","type":"address"},
		{"name":"payee","type":"address"},
		{"name":"token","type":"address"},
		{"name":"total","type":"uint256"},
		{"name":"funded","type":"uint256"},
		{"name":"createdAt","type":"uint64"},
		{"name":"fundedAt","type":"uint64"},
		{"name":"autoReleaseAt","type":"uint64"},
		{"name":"state","type":"uint8"},
		{"name":"disputed","type":"bool"},
		{"name":"metaURI","type":"string"}
	 ]},
	{"type":"function","name":"createInvoice","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"payee","type":"address"},
		{"name":"token","type":"address"},
		{"name":"autoReleaseAt","type":"uint64"},
		{"name":"metaURI","type":"string"},
		{"name":"milestones","type":"uint256[]"}
	 ],"outputs":[]},
	{"type":"function","name":"fund","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"bytes32"},{"name":"milestoneIndex","type":"uint256"}],"outputs":[]}
]`

const tokenABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"}],"name":"faucet","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	escrowABI = mustParseABI(escrowABIJSON)
	tokenABI  = mustParseABI(tokenABIJSON)

	// TransferEventSig is keccak256("Transfer(address,address,uint256)").
	TransferEventSig = tokenABI.Events["Transfer"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// Caller is the read side of an Ethereum client. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// PackCreateInvoice builds createInvoice calldata. The milestone list carries
// the whole total as a single milestone when only one amount is given.
func PackCreateInvoice(key common.Hash, payee, token common.Address, autoReleaseAt uint64, metaURI string, milestones []*big.Int) ([]byte, error) {
	if len(milestones) == 0 {
		return nil, fmt.Errorf("chain: createInvoice needs at least one milestone")
	}
	return escrowABI.Pack("createInvoice", key, payee, token, autoReleaseAt, metaURI, milestones)
}

// PackFund builds fund calldata.
func PackFund(key common.Hash) ([]byte, error) {
	return escrowABI.Pack("fund", key)
}

// PackRelease builds release calldata for one milestone.
func PackRelease(key common.Hash, milestoneIndex uint64) ([]byte, error) {
	return escrowABI.Pack("release", key, new(big.Int).SetUint64(milestoneIndex))
}

// PackApprove builds ERC20 approve calldata.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("approve", spender, amount)
}

// PackTransfer builds ERC20 transfer calldata.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("transfer", to, amount)
}

// PackFaucet builds calldata for the test-token faucet. Test networks only.
func PackFaucet(amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("faucet", amount)
}

// Call is decoded calldata for one of the bound entrypoints.
type Call struct {
	Contract string // "escrow" or "token"
	Method   string
	Args     map[string]any
}

// DecodeCall decodes calldata produced by the Pack helpers.
func DecodeCall(data []byte) (*Call, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("chain: calldata too short (%d bytes)", len(data))
	}
	bound := []struct {
		name   string
		parsed *abi.ABI
	}{
		{"escrow", &escrowABI},
		{"token", &tokenABI},
	}
	for _, b := range bound {
		method, err := b.parsed.MethodById(data[:4])
		if err != nil {
			continue
		}
		args := make(map[string]any, len(method.Inputs))
		if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
			return nil, fmt.Errorf("chain: decode %s: %w", method.Name, err)
		}
		return &Call{Contract: b.name, Method: method.Name, Args: args}, nil
	}
	return nil, fmt.Errorf("chain: unknown selector %x", data[:4])
}
