package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck probes one dependency. A failing critical check makes the
// service unhealthy, a failing optional one only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthChecker runs dependency probes for the readiness endpoint
type HealthChecker struct {
	version string
	checks  []HealthCheck
	timeout time.Duration
}

// NewHealthChecker creates a checker
func NewHealthChecker(version string, checks ...HealthCheck) *HealthChecker {
	return &HealthChecker{version: version, checks: checks, timeout: 5 * time.Second}
}

// DatabaseCheck is a critical probe backed by a ping function, such as a
// connection manager's HealthCheck
func DatabaseCheck(probe func(ctx context.Context) error) HealthCheck {
	return HealthCheck{Name: "database", Critical: true, Probe: probe}
}

// RedisCheck is an optional probe, rate limiting and caches fail open
func RedisCheck(client *redis.Client) HealthCheck {
	return HealthCheck{Name: "redis", Probe: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// Check runs every probe concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range h.checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			dep := runProbe(ctx, check)

			mu.Lock()
			defer mu.Unlock()
			status.Dependencies[check.Name] = dep
			if dep.Status == StatusHealthy {
				return
			}
			if check.Critical {
				status.Status = StatusUnhealthy
			} else if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}(check)
	}
	wg.Wait()
	return status
}

func runProbe(ctx context.Context, check HealthCheck) DependencyStatus {
	start := time.Now()
	err := check.Probe(ctx)
	dep := DependencyStatus{
		Status:    StatusHealthy,
		Latency:   time.Since(start),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// Liveness returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness returns 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
