package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/invoicekey"
	"github.com/mbd888/paylink/internal/usdc"
	"github.com/mbd888/paylink/internal/wallet"
)

var (
	escrowAddr = common.HexToAddress("0xeeee000000000000000000000000000000000009")
	tokenAddr  = common.HexToAddress("0x036cbd53842c5426634e7929541ec2318f3dcf7e")
	payerAddr  = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	payeeAddr  = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	otherAddr  = common.HexToAddress("0xcccc000000000000000000000000000000000003")
)

// fakeChain simulates the escrow contract and payment token in memory.
type fakeChain struct {
	mu         sync.Mutex
	invoices   map[common.Hash]*chain.Invoice
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int // owner -> allowance to escrow
	transfers  []chain.Transfer

	readErr   error
	failReads int // fail this many reads with readErr, then succeed
	reads     int
	readKeys  []common.Hash

	// createAsFunded makes createInvoice land as Funded with no payer.
	createAsFunded bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		invoices:   make(map[common.Hash]*chain.Invoice),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
	}
}

func (c *fakeChain) Invoice(_ context.Context, key common.Hash) (*chain.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	c.readKeys = append(c.readKeys, key)
	if c.readErr != nil {
		if c.failReads == 0 {
			return nil, c.readErr
		}
		if c.reads <= c.failReads {
			return nil, c.readErr
		}
	}
	inv, ok := c.invoices[key]
	if !ok {
		return nil, chain.ErrInvoiceNotFound
	}
	cp := *inv
	cp.Total = new(big.Int).Set(inv.Total)
	cp.Funded = new(big.Int).Set(inv.Funded)
	return &cp, nil
}

func (c *fakeChain) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if spender != escrowAddr {
		return new(big.Int), nil
	}
	if a, ok := c.allowances[owner]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) TransfersTo(_ context.Context, to common.Address, fromBlock uint64) ([]chain.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chain.Transfer
	for _, t := range c.transfers {
		if t.To == to && t.BlockNumber >= fromBlock {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *fakeChain) put(id string, state chain.State, payer common.Address, total *big.Int) *chain.Invoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv := &chain.Invoice{
		Key:      invoicekey.Derive(id),
		Payer:    payer,
		Payee:    payeeAddr,
		Token:    tokenAddr,
		Total:    new(big.Int).Set(total),
		Funded:   new(big.Int),
		RawState: uint8(state),
		State:    state,
	}
	if state != chain.StateCreated {
		inv.Funded.Set(total)
	}
	c.invoices[inv.Key] = inv
	return inv
}

func (c *fakeChain) fundWallet(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(amount)
}

func (c *fakeChain) state(id string) (chain.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.invoices[invoicekey.Derive(id)]
	if !ok {
		return chain.StateUnknown, false
	}
	return inv.State, true
}

// apply executes a confirmed call against the simulated contracts and
// returns the block it landed in.
func (c *fakeChain) apply(from common.Address, txHash common.Hash, call *chain.Call) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	block := uint64(len(c.transfers) + 100)

	switch call.Method {
	case "createInvoice":
		key := common.Hash(call.Args["id"].([32]byte))
		total := new(big.Int)
		for _, m := range call.Args["milestones"].([]*big.Int) {
			total.Add(total, m)
		}
		c.invoices[key] = &chain.Invoice{
			Key:           key,
			Payee:         call.Args["payee"].(common.Address),
			Token:         call.Args["token"].(common.Address),
			Total:         total,
			Funded:        new(big.Int),
			AutoReleaseAt: time.Unix(int64(call.Args["autoReleaseAt"].(uint64)), 0),
			State:         chain.StateCreated,
			MetaURI:       call.Args["metaURI"].(string),
		}
		if c.createAsFunded {
			c.invoices[key].State, c.invoices[key].RawState = chain.StateFunded, uint8(chain.StateFunded)
		}
	case "approve":
		c.allowances[from] = new(big.Int).Set(call.Args["value"].(*big.Int))
	case "fund":
		inv := c.invoices[common.Hash(call.Args["id"].([32]byte))]
		inv.State, inv.RawState = chain.StateFunded, uint8(chain.StateFunded)
		inv.Payer = from
		inv.Funded = new(big.Int).Set(inv.Total)
		c.debit(from, inv.Total)
	case "release":
		inv := c.invoices[common.Hash(call.Args["id"].([32]byte))]
		inv.State, inv.RawState = chain.StateReleased, uint8(chain.StateReleased)
		c.transfers = append(c.transfers, chain.Transfer{
			From: escrowAddr, To: inv.Payee, Value: new(big.Int).Set(inv.Total), TxHash: txHash, BlockNumber: block,
		})
	case "transfer":
		value := call.Args["value"].(*big.Int)
		c.debit(from, value)
		c.transfers = append(c.transfers, chain.Transfer{
			From: from, To: call.Args["to"].(common.Address), Value: new(big.Int).Set(value), TxHash: txHash, BlockNumber: block,
		})
	case "faucet":
		b, ok := c.balances[from]
		if !ok {
			b = new(big.Int)
		}
		c.balances[from] = new(big.Int).Add(b, call.Args["amount"].(*big.Int))
	}
	return block
}

func (c *fakeChain) debit(from common.Address, v *big.Int) {
	b, ok := c.balances[from]
	if !ok {
		b = new(big.Int)
	}
	c.balances[from] = new(big.Int).Sub(b, v)
}

// fakeSession is a wallet whose confirmed calls land on a fakeChain.
type fakeSession struct {
	addr  common.Address
	chain *fakeChain

	mu         sync.Mutex
	calls      []*chain.Call
	sendErr    map[string]error
	receiptErr map[string]error
	noEffect   map[string]bool
	pending    map[common.Hash]*chain.Call
	seq        int64
}

var _ wallet.Session = (*fakeSession)(nil)

func newFakeSession(addr common.Address, c *fakeChain) *fakeSession {
	return &fakeSession{
		addr:       addr,
		chain:      c,
		sendErr:    make(map[string]error),
		receiptErr: make(map[string]error),
		noEffect:   make(map[string]bool),
		pending:    make(map[common.Hash]*chain.Call),
	}
}

func (s *fakeSession) Address() common.Address { return s.addr }

func (s *fakeSession) Send(_ context.Context, _ common.Address, data []byte) (common.Hash, error) {
	call, err := chain.DecodeCall(data)
	if err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if err := s.sendErr[call.Method]; err != nil {
		return common.Hash{}, err
	}
	s.seq++
	h := crypto.Keccak256Hash(s.addr.Bytes(), big.NewInt(s.seq).Bytes())
	s.pending[h] = call
	return h, nil
}

func (s *fakeSession) WaitForReceipt(_ context.Context, txHash common.Hash, _ wallet.Poll) (*types.Receipt, error) {
	s.mu.Lock()
	call := s.pending[txHash]
	rerr := s.receiptErr[call.Method]
	skip := s.noEffect[call.Method]
	s.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	var block uint64
	if !skip {
		block = s.chain.apply(s.addr, txHash, call)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash, BlockNumber: new(big.Int).SetUint64(block)}, nil
}

func (s *fakeSession) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

// recordingTasks captures submitted tasks without running them.
type recordingTasks struct {
	mu    sync.Mutex
	names []string
	fns   []func(ctx context.Context) error
}

func (r *recordingTasks) Submit(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.fns = append(r.fns, fn)
}

func (r *recordingTasks) runAll(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	fns := r.fns
	r.fns = nil
	r.mu.Unlock()
	for _, fn := range fns {
		if err := fn(context.Background()); err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}
}

// countingStore counts writes and can fail a number of Updates.
type countingStore struct {
	invoice.Store
	mu          sync.Mutex
	updates     int
	failUpdates int
	updateErr   error
}

func (s *countingStore) Update(ctx context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	s.updates++
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return s.updateErr
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, inv)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []Classification
}

func (n *recordingNotifier) InvoiceChanged(_ *invoice.Invoice, class Classification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, class)
}

// rpcError carries an EIP-1193 provider code.
type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func revertFailure(reason string) error {
	return &wallet.TransferError{
		Op:     "confirm",
		TxHash: "0xdead",
		Err:    fmt.Errorf("%w: %w", wallet.ErrTransactionFailed, fmt.Errorf("execution reverted: %s", reason)),
	}
}

type fixture struct {
	svc      *Service
	store    *countingStore
	chain    *fakeChain
	tasks    *recordingTasks
	notifier *recordingNotifier
	payer    *fakeSession
	payee    *fakeSession
	other    *fakeSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newFakeChain()
	store := &countingStore{Store: invoice.NewMemoryStore(), updateErr: errors.New("store unavailable")}
	tasks := &recordingTasks{}
	notifier := &recordingNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc := NewService(store, c, c, Config{
		EscrowAddress: escrowAddr,
		TokenAddress:  tokenAddr,
		ApprovalPoll:  wallet.Poll{Attempts: 3, Interval: time.Millisecond},
		ReceiptPoll:   wallet.Poll{Attempts: 3, Interval: time.Millisecond},
		FaucetEnabled: true,
	}).WithTasks(tasks).WithNotifier(notifier).WithClock(func() time.Time { return now })

	return &fixture{
		svc:      svc,
		store:    store,
		chain:    c,
		tasks:    tasks,
		notifier: notifier,
		payer:    newFakeSession(payerAddr, c),
		payee:    newFakeSession(payeeAddr, c),
		other:    newFakeSession(otherAddr, c),
	}
}

// seed stores an invoice with the canonical key and the given status.
func (f *fixture) seed(t *testing.T, id string, amount float64, status invoice.Status) *invoice.Invoice {
	t.Helper()
	inv := &invoice.Invoice{
		ID:           id,
		UserID:       "user_1",
		PayLinkToken: "tok_" + id,
		Amount:       amount,
		Currency:     "USD",
		Status:       status,
		Onchain: invoice.OnchainRecord{
			IDHex:  invoicekey.Hex(id),
			Token:  tokenAddr.Hex(),
			Amount: usdc.FromFiat(amount).String(),
			Payee:  payeeAddr.Hex(),
		},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := f.store.Create(context.Background(), inv); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return inv
}

func (f *fixture) get(t *testing.T, id string) *invoice.Invoice {
	t.Helper()
	inv, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return inv
}

func units(amount float64) *big.Int { return usdc.FromFiat(amount) }

func requireKind(t *testing.T, err error, want Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if e.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, e.Kind, err)
	}
	return e
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(invoice.NewMemoryStore(), newFakeChain(), newFakeChain(), Config{})
	cfg := svc.Config()
	if cfg.AutoReleaseOffset != DefaultAutoReleaseOffset {
		t.Errorf("expected auto-release offset %v, got %v", DefaultAutoReleaseOffset, cfg.AutoReleaseOffset)
	}
	if cfg.ApprovalPoll.Attempts != 30 || cfg.ApprovalPoll.Interval != time.Second {
		t.Errorf("expected approval poll 30x1s, got %+v", cfg.ApprovalPoll)
	}
	if cfg.ReceiptPoll != wallet.DefaultPoll {
		t.Errorf("expected default receipt poll, got %+v", cfg.ReceiptPoll)
	}
}

func TestNotifiers_FanOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	ns := Notifiers{a, nil, b}
	ns.InvoiceChanged(&invoice.Invoice{ID: "inv_1"}, ClassConsistent)

	if len(a.changes) != 1 || len(b.changes) != 1 {
		t.Fatalf("expected one change on each notifier, got %d and %d", len(a.changes), len(b.changes))
	}
	if b.changes[0] != ClassConsistent {
		t.Errorf("expected consistent, got %v", b.changes[0])
	}
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Issue(ctx, IssueRequest{
		UserID:   "user_1",
		Amount:   100,
		Currency: "usd",
		Payee:    "0xbbbb000000000000000000000000000000000002",
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if inv.Status != invoice.StatusSent {
		t.Errorf("expected status sent, got %s", inv.Status)
	}
	if inv.Currency != "USD" {
		t.Errorf("expected currency USD, got %s", inv.Currency)
	}
	if !invoicekey.Matches(inv.Onchain.IDHex, inv.ID) {
		t.Errorf("expected stored key to match derived key")
	}
	if inv.Onchain.Amount != "100000000" {
		t.Errorf("expected 100000000 token units, got %s", inv.Onchain.Amount)
	}
	if inv.Onchain.Payee != payeeAddr.Hex() {
		t.Errorf("expected checksummed payee, got %s", inv.Onchain.Payee)
	}
	if inv.PayLinkToken == "" {
		t.Error("expected pay link token")
	}
	if last := inv.LastAudit(); last == nil || last.Action != invoice.ActionCreated {
		t.Errorf("expected %s audit entry", invoice.ActionCreated)
	}

	got, err := f.svc.Get(ctx, inv.ID)
	if err != nil || got.ID != inv.ID {
		t.Fatalf("expected stored invoice, got %v", err)
	}
}

func TestIssue_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []IssueRequest{
		{Amount: 10, Payee: payeeAddr.Hex()},
		{UserID: "u", Amount: 0, Payee: payeeAddr.Hex()},
		{UserID: "u", Amount: 0.0000001, Payee: payeeAddr.Hex()},
		{UserID: "u", Amount: 10, Payee: "not-an-address"},
		{UserID: "u", Amount: 10, Payee: "0x0000000000000000000000000000000000000000"},
		{UserID: "u", Amount: 10, Payee: payeeAddr.Hex(), Payer: "bad"},
	}
	for i, req := range cases {
		_, err := f.svc.Issue(context.Background(), req)
		e := requireKind(t, err, KindValidation)
		if !errors.Is(e, ErrInvalidRequest) {
			t.Errorf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}
