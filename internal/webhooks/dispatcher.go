package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paylink/internal/escrow"
	"github.com/mbd888/paylink/internal/idgen"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Paylink-Event"
	HeaderDelivery  = "X-Paylink-Delivery"
	HeaderTimestamp = "X-Paylink-Timestamp"
	HeaderSignature = "X-Paylink-Signature"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultMaxFailures = 20 // consecutive failed deliveries before a subscription is disabled
	defaultBaseDelay   = time.Second
	maxBackoff         = 30 * time.Second
	storeTimeout       = 5 * time.Second
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paylink",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paylink",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time to deliver one webhook event, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deliveryDuration)
}

// Dispatcher posts invoice events to subscribers. It implements
// escrow.Notifier; deliveries run on their own goroutines so the escrow
// mutation that triggered them never waits on a payee's endpoint.
type Dispatcher struct {
	store       Store
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxFailures int
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup

	statusMu sync.Mutex // serializes subscription status writes
}

var _ escrow.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a per-request timeout.
func NewDispatcher(store Store, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxFailures: DefaultMaxFailures,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithRetry sets the attempts per delivery and the first backoff delay.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	if attempts > 0 {
		d.maxAttempts = attempts
	}
	if baseDelay > 0 {
		d.baseDelay = baseDelay
	}
	return d
}

// WithMaxFailures sets how many consecutive failures disable a subscription.
func (d *Dispatcher) WithMaxFailures(n int) *Dispatcher {
	if n > 0 {
		d.maxFailures = n
	}
	return d
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithClock overrides the time source (tests).
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// InvoiceChanged implements escrow.Notifier.
func (d *Dispatcher) InvoiceChanged(inv *invoice.Invoice, class escrow.Classification) {
	et, ok := EventTypeFor(inv)
	if !ok {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      et,
		Timestamp: d.now().UTC(),
		Data:      newInvoiceData(inv, class),
	}
	d.goTracked(func() { d.fanOut(inv.UserID, event) })
}

// goTracked runs fn unless the dispatcher is closed.
func (d *Dispatcher) goTracked(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("webhook dispatcher closed, dropping event")
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Dispatcher) fanOut(userID string, event *Event) {
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	subs, err := d.store.ListByUser(ctx, userID)
	cancel()
	if err != nil {
		d.logger.Warn("webhook subscriber lookup failed", "user", userID, "event", event.Type, "error", err)
		deliveriesTotal.WithLabelValues(string(event.Type), "lookup_error").Inc()
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook marshal failed", "event", event.Type, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		// fanOut holds a wait-group slot, so this Add cannot race Close.
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(sub, event, payload)
		}(sub)
	}
}

func (d *Dispatcher) deliver(sub *Subscription, event *Event, payload []byte) {
	start := time.Now()
	policy := retry.Policy{
		Attempts:  d.maxAttempts,
		BaseDelay: d.baseDelay,
		MaxDelay:  maxBackoff,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Debug("webhook delivery retrying",
				"webhook", sub.ID, "delivery", event.ID, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	err := policy.Do(d.ctx, func() error {
		return d.post(sub, event, payload)
	})
	deliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		deliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhook", sub.ID, "event", event.Type, "delivery", event.ID, "error", err)
	} else {
		deliveriesTotal.WithLabelValues(string(event.Type), "delivered").Inc()
	}
	d.recordResult(sub.ID, err)
}

func (d *Dispatcher) post(sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// The receiver rejected the payload; resending it will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// recordResult re-reads the subscription so concurrent deliveries and admin
// edits are not overwritten with a stale copy.
func (d *Dispatcher) recordResult(id string, deliveryErr error) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	sub, err := d.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("webhook status read failed", "webhook", id, "error", err)
		}
		return
	}

	if deliveryErr == nil {
		now := d.now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliveryErr.Error()
		sub.ConsecutiveFailures++
		if sub.Active && sub.ConsecutiveFailures >= d.maxFailures {
			sub.Active = false
			d.logger.Warn("webhook disabled after repeated failures",
				"webhook", id, "user", sub.UserID, "failures", sub.ConsecutiveFailures)
		}
	}

	if err := d.store.Update(ctx, sub); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Warn("webhook status write failed", "webhook", id, "error", err)
	}
}

// Close stops accepting events and waits for in-flight deliveries until ctx
// expires, then abandons the rest.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
