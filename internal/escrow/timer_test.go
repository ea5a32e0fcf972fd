package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/invoicekey"
)

func newTestTimer(f *fixture) *Timer {
	tm := NewTimer(f.svc, f.store, time.Hour, testLogger())
	tm.readDelay = time.Millisecond
	return tm
}

func TestTimer_Sweep(t *testing.T) {
	f := newFixture(t)

	// Lagging: synced.
	f.seed(t, "inv_t1", 10, invoice.StatusSent)
	f.chain.put("inv_t1", chain.StateFunded, payerAddr, units(10))
	// Suspicious released: counted, not written.
	f.seed(t, "inv_t2", 10, invoice.StatusFunded)
	f.chain.put("inv_t2", chain.StateReleased, payerAddr, units(10))
	// Stale key with no on-chain record.
	stale := f.seed(t, "inv_t3", 10, invoice.StatusSent)
	stale.Onchain.IDHex = "0x01"
	if err := f.store.Store.Update(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	// Paid: skipped.
	f.seed(t, "inv_t4", 10, invoice.StatusPaid)
	f.chain.put("inv_t4", chain.StateReleased, payerAddr, units(10))

	sum := newTestTimer(f).sweep(context.Background())

	if sum.KeysFixed != 1 || sum.Synced != 1 || sum.Suspicious != 1 || sum.Failed != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if got := f.get(t, "inv_t1").Status; got != invoice.StatusFunded {
		t.Errorf("expected lagging invoice synced, got %s", got)
	}
	if got := f.get(t, "inv_t2").Status; got != invoice.StatusFunded {
		t.Errorf("suspicious released must not become paid, got %s", got)
	}
	if got := f.get(t, "inv_t3").Onchain.IDHex; got != invoicekey.Hex("inv_t3") {
		t.Errorf("expected key repaired, got %s", got)
	}
}

func TestTimer_SkipsBusyInvoices(t *testing.T) {
	f := newFixture(t)
	stale := f.seed(t, "inv_busy", 10, invoice.StatusSent)
	stale.Onchain.IDHex = "0x02"
	if err := f.store.Store.Update(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	f.chain.put("inv_busy", chain.StateFunded, payerAddr, units(10))

	unlock, err := f.svc.lock(context.Background(), "inv_busy")
	if err != nil {
		t.Fatal(err)
	}
	if !f.svc.Busy("inv_busy") {
		t.Fatal("expected locked invoice to report busy")
	}

	sum := newTestTimer(f).sweep(context.Background())
	if sum.Busy != 1 || sum.KeysFixed != 0 || sum.Synced != 0 {
		t.Errorf("expected busy invoice skipped, got %+v", sum)
	}
	unlock()

	if f.svc.Busy("inv_busy") {
		t.Fatal("expected invoice free after unlock")
	}
	sum = newTestTimer(f).sweep(context.Background())
	if sum.KeysFixed != 1 || sum.Synced != 1 {
		t.Errorf("expected invoice repaired on the next sweep, got %+v", sum)
	}
}

func TestTimer_RetriesNetworkReads(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "inv_t5", 10, invoice.StatusSent)
	f.chain.put("inv_t5", chain.StateFunded, payerAddr, units(10))
	f.chain.readErr = errors.New("connection reset by peer")
	f.chain.failReads = 2

	sum := newTestTimer(f).sweep(context.Background())
	if sum.Failed != 0 || sum.Synced != 1 {
		t.Errorf("expected sync after retries, got %+v", sum)
	}
	if f.chain.reads != 3 {
		t.Errorf("expected 3 reads, got %d", f.chain.reads)
	}
}

func TestTimer_GivesUpAfterAttempts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "inv_t6", 10, invoice.StatusSent)
	f.chain.readErr = errors.New("connection refused")

	sum := newTestTimer(f).sweep(context.Background())
	if sum.Failed != 1 {
		t.Errorf("expected one failure, got %+v", sum)
	}
	if f.chain.reads != 3 {
		t.Errorf("expected 3 attempts, got %d", f.chain.reads)
	}
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	tm := NewTimer(f.svc, f.store, 5*time.Millisecond, testLogger())
	f.seed(t, "inv_t7", 10, invoice.StatusSent)
	f.chain.put("inv_t7", chain.StateFunded, common.Address{1}, units(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tm.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for f.get(t, "inv_t7").Status != invoice.StatusFunded {
		select {
		case <-deadline:
			t.Fatal("timer never synced the invoice")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if tm.Running() {
		t.Error("expected timer stopped")
	}
}

func TestTimer_StopBeforeStartAndTwice(t *testing.T) {
	f := newFixture(t)
	tm := NewTimer(f.svc, f.store, time.Hour, testLogger())
	tm.Stop()
	tm.Stop()

	done := make(chan struct{})
	go func() {
		tm.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start ignored a Stop issued before it ran")
	}
}

func TestNewTimer_DefaultInterval(t *testing.T) {
	f := newFixture(t)
	if tm := NewTimer(f.svc, f.store, 0, testLogger()); tm.interval != DefaultSweepInterval {
		t.Errorf("expected default interval, got %v", tm.interval)
	}
}
