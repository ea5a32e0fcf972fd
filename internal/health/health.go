// Package health runs the readiness checks behind /health. Each check
// covers one dependency of the coordinator (database, chain RPC, the
// reconcile sweeper, the RPC circuit breaker).
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds each check in CheckAll.
const DefaultCheckTimeout = 3 * time.Second

// Status is one check's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports on a single dependency. It must honour ctx.
type Checker func(ctx context.Context) Status

// Registry is safe for concurrent Register and CheckAll.
type Registry struct {
	mu      sync.RWMutex
	names   []string
	checks  []Checker
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register appends a check. Results keep registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll runs every check in parallel, each under its own timeout, and
// is healthy only if all of them are. A check that leaves Name empty is
// reported under the name it was registered with.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Checker(nil), r.checks...)
	timeout := r.timeout
	r.mu.RUnlock()

	out := make([]Status, len(checks))
	var wg sync.WaitGroup
	wg.Add(len(checks))
	for i := range checks {
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := checks[i](cctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			out[i] = st
		}()
	}
	wg.Wait()

	for _, st := range out {
		if !st.Healthy {
			return false, out
		}
	}
	return true, out
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the invoice store's database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// BlockNumberer is satisfied by *ethclient.Client.
type BlockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPC reports whether the chain RPC endpoint answers and returns the head.
func RPC(client BlockNumberer) Checker {
	return func(ctx context.Context) Status {
		n, err := client.BlockNumber(ctx)
		if err != nil {
			return Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "rpc", Healthy: true, Detail: fmt.Sprintf("block %d", n)}
	}
}

// Running reports whether a background loop (the reconcile sweeper) is up.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
