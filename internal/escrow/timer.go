package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/retry"
)

// DefaultSweepInterval is how often the Timer reconciles all open invoices.
const DefaultSweepInterval = 5 * time.Minute

// Timer periodically repairs stored keys and syncs lagging invoices. It never
// moves money and never writes suspicious shapes.
type Timer struct {
	service  *Service
	store    invoice.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	readAttempts int
	readDelay    time.Duration
}

// NewTimer creates a reconciliation sweeper.
func NewTimer(service *Service, store invoice.Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:      service,
		store:        store,
		interval:     interval,
		logger:       logger,
		stop:         make(chan struct{}),
		readAttempts: 3,
		readDelay:    500 * time.Millisecond,
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once, and
// before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// SweepSummary counts what one sweep did.
type SweepSummary struct {
	KeysFixed  int
	Synced     int
	Suspicious int
	Failed     int
	Busy       int // skipped because a mutation held the invoice lock
}

func (t *Timer) sweep(ctx context.Context) SweepSummary {
	var sum SweepSummary

	all, err := t.store.ListAll(ctx)
	if err != nil {
		t.logger.Warn("sweep: failed to list invoices", "error", err)
		return sum
	}

	for _, inv := range all {
		if ctx.Err() != nil {
			return sum
		}
		// A fund or release can hold the lock for minutes; the next sweep
		// picks the invoice up.
		if t.service.Busy(inv.ID) {
			sum.Busy++
			continue
		}

		fixed, err := t.service.FixInvoiceID(ctx, inv.ID)
		if err != nil {
			t.logger.Warn("sweep: failed to repair invoice key", "invoiceId", inv.ID, "error", err)
		} else if fixed {
			sum.KeysFixed++
		}

		if inv.Status == invoice.StatusPaid {
			continue
		}
		before := inv.Status

		var rec *Reconciled
		err = retry.Do(ctx, t.readAttempts, t.readDelay, retry.Only(IsRetryable, func() (err error) {
			rec, err = t.service.Sync(ctx, inv.ID)
			return err
		}))
		if err != nil {
			sum.Failed++
			t.logger.Warn("sweep: failed to reconcile invoice", "invoiceId", inv.ID, "error", err)
			continue
		}

		if rec.Invoice.Status != before {
			sum.Synced++
		}
		if rec.Classification.Suspicious() {
			sum.Suspicious++
			t.logger.Warn("sweep: invoice needs operator attention",
				"invoiceId", inv.ID,
				"classification", rec.Classification.String(),
				"status", string(rec.Invoice.Status))
		}
	}

	if sum != (SweepSummary{}) {
		t.logger.Info("escrow sweep complete",
			"keysFixed", sum.KeysFixed,
			"synced", sum.Synced,
			"suspicious", sum.Suspicious,
			"failed", sum.Failed,
			"busy", sum.Busy)
	}
	return sum
}
