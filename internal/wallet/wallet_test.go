package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type mockClient struct {
	mu          sync.Mutex
	estimate    uint64
	estimateErr error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	misses      int // TransactionReceipt calls that report not-found first
	callErr     error
	callBlock   *big.Int
	laggingNode bool // PendingNonceAt always reports 0
	sendErr     error
}

func (m *mockClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.laggingNode {
		return 0, nil
	}
	return uint64(len(m.sent)), nil
}

func (m *mockClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return m.estimate, m.estimateErr
}

func (m *mockClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.misses > 0 {
		m.misses--
		return nil, ethereum.NotFound
	}
	r, ok := m.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (m *mockClient) CallContract(_ context.Context, _ ethereum.CallMsg, block *big.Int) ([]byte, error) {
	m.callBlock = block
	return nil, m.callErr
}

func (m *mockClient) Close() {}

func newTestWallet(t *testing.T, client *mockClient) *Wallet {
	t.Helper()
	w, err := New(Config{
		RPCURL:     "http://localhost:8545",
		PrivateKey: testKey,
		ChainID:    84532,
		GasCeiling: 456000,
	}, WithClient(client))
	require.NoError(t, err)
	return w
}

var fastPoll = Poll{Attempts: 5, Interval: time.Millisecond}

func TestSend_UsesEstimate(t *testing.T) {
	client := &mockClient{estimate: 71000}
	w := newTestWallet(t, client)

	hash, err := w.Send(context.Background(), common.HexToAddress("0xe5c0"), []byte{0x01})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, uint64(71000), client.sent[0].Gas())
	assert.Equal(t, hash, client.sent[0].Hash())
}

func TestSend_FallsBackToCeilingWhenEstimationFails(t *testing.T) {
	client := &mockClient{estimateErr: errors.New("execution reverted")}
	w := newTestWallet(t, client)

	_, err := w.Send(context.Background(), common.HexToAddress("0xe5c0"), []byte{0x01})
	require.NoError(t, err, "estimation failure must not block the transaction")
	require.Len(t, client.sent, 1)
	assert.Equal(t, uint64(456000), client.sent[0].Gas())
}

func TestSend_NonceAdvancesPastLaggingNode(t *testing.T) {
	client := &mockClient{estimate: 50000, laggingNode: true}
	w := newTestWallet(t, client)
	to := common.HexToAddress("0xe5c0")

	for i := 0; i < 3; i++ {
		_, err := w.Send(context.Background(), to, nil)
		require.NoError(t, err)
	}
	require.Len(t, client.sent, 3)
	for i, tx := range client.sent {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestSend_FailureResyncsNonce(t *testing.T) {
	client := &mockClient{estimate: 50000, laggingNode: true}
	w := newTestWallet(t, client)
	to := common.HexToAddress("0xe5c0")

	_, err := w.Send(context.Background(), to, nil)
	require.NoError(t, err)

	client.mu.Lock()
	client.sendErr = errors.New("nonce too low")
	client.mu.Unlock()
	_, err = w.Send(context.Background(), to, nil)
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)

	client.mu.Lock()
	client.sendErr = nil
	client.mu.Unlock()
	_, err = w.Send(context.Background(), to, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), client.sent[1].Nonce(), "after a failed send the node's nonce wins")
}

func TestSend_ConcurrentSendsGetDistinctNonces(t *testing.T) {
	client := &mockClient{estimate: 50000, laggingNode: true}
	w := newTestWallet(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Send(context.Background(), common.HexToAddress("0xe5c0"), nil)
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range client.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 8)
}

func TestNew_DefaultCeiling(t *testing.T) {
	w, err := New(Config{RPCURL: "x", PrivateKey: "0x" + testKey, ChainID: 1}, WithClient(&mockClient{}))
	require.NoError(t, err)
	assert.Equal(t, DefaultGasCeiling, w.GasCeiling())
	assert.NotEqual(t, common.Address{}, w.Address())
}

func TestWaitForReceipt_PollsUntilMined(t *testing.T) {
	client := &mockClient{estimate: 21000, misses: 2, receipts: map[common.Hash]*types.Receipt{}}
	w := newTestWallet(t, client)
	hash, err := w.Send(context.Background(), common.HexToAddress("0xe5c0"), nil)
	require.NoError(t, err)
	client.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}

	r, err := w.WaitForReceipt(context.Background(), hash, fastPoll)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), r.BlockNumber.Uint64())
}

func TestWaitForReceipt_RevertCarriesReason(t *testing.T) {
	client := &mockClient{
		estimate: 21000,
		receipts: map[common.Hash]*types.Receipt{},
		callErr:  errors.New("execution reverted: already released"),
	}
	w := newTestWallet(t, client)
	hash, err := w.Send(context.Background(), common.HexToAddress("0xe5c0"), nil)
	require.NoError(t, err)
	client.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(12)}

	_, err = w.WaitForReceipt(context.Background(), hash, fastPoll)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, client.callErr)
	assert.Contains(t, err.Error(), "already released")
	assert.Equal(t, int64(12), client.callBlock.Int64())

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, hash.Hex(), te.TxHash)
}

func TestWaitForReceipt_TimesOut(t *testing.T) {
	client := &mockClient{receipts: map[common.Hash]*types.Receipt{}}
	w := newTestWallet(t, client)

	_, err := w.WaitForReceipt(context.Background(), common.HexToHash("0x01"), Poll{Attempts: 3, Interval: time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForReceipt_ContextCancelled(t *testing.T) {
	client := &mockClient{receipts: map[common.Hash]*types.Receipt{}}
	w := newTestWallet(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.WaitForReceipt(ctx, common.HexToHash("0x01"), Poll{Attempts: 3, Interval: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
}

func pendingCalls(w *Wallet) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func TestWaitForReceipt_ForgetsUnconfirmedCalls(t *testing.T) {
	client := &mockClient{estimate: 21000, receipts: map[common.Hash]*types.Receipt{}}
	w := newTestWallet(t, client)

	timedOut, err := w.Send(context.Background(), common.HexToAddress("0xe5c0"), nil)
	require.NoError(t, err)
	_, err = w.WaitForReceipt(context.Background(), timedOut, Poll{Attempts: 2, Interval: time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, pendingCalls(w))

	cancelled, err := w.Send(context.Background(), common.HexToAddress("0xe5c0"), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.WaitForReceipt(ctx, cancelled, Poll{Attempts: 3, Interval: time.Hour})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, pendingCalls(w))
}

func TestTransferError(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransferError
		contains string
	}{
		{
			name: "with tx hash",
			err: &TransferError{
				Op:     "send",
				TxHash: "0xabc123",
				Err:    errors.New("network error"),
			},
			contains: "0xabc123",
		},
		{
			name: "without tx hash",
			err: &TransferError{
				Op:  "nonce",
				Err: errors.New("failed to get nonce"),
			},
			contains: "nonce failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.contains)
			assert.True(t, errors.Is(tt.err, tt.err.Err))
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				RPCURL:     "https://sepolia.base.org",
				PrivateKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				ChainID:    84532,
			},
			wantErr: false,
		},
		{
			name: "valid config with 0x prefix",
			cfg: Config{
				RPCURL:     "https://sepolia.base.org",
				PrivateKey: "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				ChainID:    84532,
			},
			wantErr: false,
		},
		{
			name: "missing RPC URL",
			cfg: Config{
				PrivateKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				ChainID:    84532,
			},
			wantErr: true,
		},
		{
			name: "missing private key",
			cfg: Config{
				RPCURL:     "https://sepolia.base.org",
				ChainID:    84532,
			},
			wantErr: true,
		},
		{
			name: "invalid private key length",
			cfg: Config{
				RPCURL:     "https://sepolia.base.org",
				PrivateKey: "tooshort",
				ChainID:    84532,
			},
			wantErr: true,
		},
		{
			name: "missing chain ID",
			cfg: Config{
				RPCURL:     "https://sepolia.base.org",
				PrivateKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
