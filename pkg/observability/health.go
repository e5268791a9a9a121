package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus is the aggregate or per-check verdict.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck probes one engine dependency. A failing critical check makes
// the engine unhealthy; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs the registered dependency probes and reports aggregate
// engine health.
type HealthChecker struct {
	startedAt time.Time

	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// HealthResponse is the /health endpoint body.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckStatus is one probe's result.
type CheckStatus struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo is a small runtime snapshot for operators.
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemAlloc      uint64 `json:"mem_alloc_mb"`
	MemSys        uint64 `json:"mem_sys_mb"`
}

// NewHealthChecker creates an empty checker; register probes before serving.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startedAt: time.Now(),
		checks:    make(map[string]*HealthCheck),
	}
}

// RegisterCheck adds a probe. A zero timeout defaults to 5s.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check runs every registered probe and aggregates the verdict.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make(map[string]*HealthCheck, len(hc.checks))
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()

	results := make(map[string]CheckStatus)
	overall := HealthStatusHealthy

	for name, check := range checks {
		status := runCheck(ctx, check)
		results[name] = status

		if status.Status == HealthStatusUnhealthy && check.Critical {
			overall = HealthStatusUnhealthy
		} else if status.Status == HealthStatusDegraded && overall == HealthStatusHealthy {
			overall = HealthStatusDegraded
		}
	}

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.startedAt),
		Checks:    results,
		System:    systemInfo(),
	}
}

func runCheck(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- check.CheckFunc(checkCtx)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	status := CheckStatus{
		LastChecked: time.Now(),
		Duration:    time.Since(start).String(),
	}
	if err != nil {
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	} else {
		status.Status = HealthStatusHealthy
		status.Message = "OK"
	}
	return status
}

// Handler serves the full health report.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler answers as long as the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler answers ready only when every probe passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == HealthStatusHealthy {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
			})
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
			})
		}
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemAlloc:      m.Alloc / 1024 / 1024,
		MemSys:        m.Sys / 1024 / 1024,
	}
}

// StorageCheck probes the session storage backend.
func StorageCheck(pingFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "storage",
		CheckFunc: pingFunc,
		Timeout:   5 * time.Second,
		Critical:  true,
	}
}

// SidecarCheck probes a remote agent sidecar. Sidecars are optional
// backends, so an unreachable one degrades rather than fails the engine.
func SidecarCheck(name string, checkFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Timeout:   10 * time.Second,
		Critical:  false,
	}
}
