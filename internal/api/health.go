package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCheckTimeout bounds each dependency probe on /health/ready.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker probes one dependency a run needs.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// ReadinessReport is the /health/ready body. Signer identifies whose ledger
// the instance spends from.
type ReadinessReport struct {
	Status  string                 `json:"status"`
	Signer  string                 `json:"signer,omitempty"`
	Version string                 `json:"version"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// dependencyCheck is a named probe with its own timeout.
type dependencyCheck struct {
	name    string
	timeout time.Duration
	probe   func(ctx context.Context) error
}

func (c *dependencyCheck) Name() string {
	return c.name
}

func (c *dependencyCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.probe(ctx)
}

// Pinger is anything with a reachability probe, such as the broker client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerCheck probes the broker that holds ledgers, acknowledgements and
// commitments. Without it no run can get past funding.
func BrokerCheck(p Pinger) HealthChecker {
	return &dependencyCheck{name: "broker", timeout: DefaultCheckTimeout, probe: p.Ping}
}

// MetadataCacheCheck probes the Redis instance shared by the metadata cache
// and the run rate limiter.
func MetadataCacheCheck(client *redis.Client) HealthChecker {
	return &dependencyCheck{
		name:    "redis",
		timeout: DefaultCheckTimeout,
		probe: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// RunHistoryCheck probes the Postgres run history store.
func RunHistoryCheck(db *sql.DB) HealthChecker {
	return &dependencyCheck{name: "postgres", timeout: DefaultCheckTimeout, probe: db.PingContext}
}

func probeAll(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	if len(checkers) == 0 {
		return nil
	}

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// handleReady reports not_ready with 503 when any dependency a run needs is down.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	report := ReadinessReport{
		Status:  "ready",
		Signer:  h.signer.Hex(),
		Version: Version,
		Checks:  probeAll(r.Context(), h.checkers),
	}

	status := http.StatusOK
	for _, res := range report.Checks {
		if res.Status != "ok" {
			report.Status = "not_ready"
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, report)
}
