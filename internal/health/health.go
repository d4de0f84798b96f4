// Package health serves /healthz by running dependency checks on demand.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

type check struct {
	name    string
	timeout time.Duration
	fn      CheckFunc
}

type Checker struct {
	mu       sync.RWMutex
	checks   []check
	draining atomic.Bool
}

func New() *Checker {
	return &Checker{}
}

func (c *Checker) Add(name string, timeout time.Duration, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, timeout: timeout, fn: fn})
}

// Drain makes every subsequent probe fail so load balancers stop routing to
// the instance during shutdown.
func (c *Checker) Drain() {
	c.draining.Store(true)
}

// Run executes every check concurrently and returns the failures by name.
func (c *Checker) Run(ctx context.Context) map[string]string {
	c.mu.RLock()
	checks := make([]check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[string]string)
	)
	for _, ch := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, ch.timeout)
			defer cancel()

			if err := ch.fn(checkCtx); err != nil {
				mu.Lock()
				failures[ch.name] = err.Error()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if c.draining.Load() {
		failures["_shutdown"] = "service is shutting down"
	}
	return failures
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler responds 200 {"status":"ok"} or 503 with the failing checks.
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	failures := c.Run(r.Context())

	resp := statusResponse{Status: "ok"}
	status := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.PingContext(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}
