package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/prometheus/client_golang/prometheus"
)

// ComponentHealthy tracks each registered component's last-reported health
// as a gauge an operator can alert on directly, independent of the JSON
// /health endpoint.
var ComponentHealthy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "coreinit_component_healthy",
		Help: "Whether a registered subsystem last reported healthy (1) or unhealthy (0)",
	},
	[]string{"component"},
)

func init() {
	prometheus.MustRegister(ComponentHealthy)
}

// criticalComponents gates readiness: coreinit is not ready to accept work
// until the durable store, the re-exec coordinator, and the event loop have
// all reported in at least once.
var criticalComponents = []string{"storage", "reexec", "eventloop"}

// HealthStatus is the JSON body returned by the /health and /ready
// endpoints.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// componentState is a single component's last self-report.
type componentState struct {
	healthy bool
	message string
	updated time.Time
}

// healthChecker aggregates every component's last self-report behind a
// single lock; components self-register from wherever they start up, so
// GetHealth/GetReadiness must tolerate a component never having reported.
type healthChecker struct {
	mu         sync.RWMutex
	components map[string]componentState
	startTime  time.Time
	version    string
}

func newHealthChecker() *healthChecker {
	return &healthChecker{
		components: make(map[string]componentState),
		startTime:  time.Now(),
	}
}

var checker = newHealthChecker()

// SetVersion sets the version string reported in health responses.
func SetVersion(version string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.version = version
}

// RegisterComponent records a component's current health. Called both on
// first startup of a subsystem and on every subsequent change it observes
// in itself (e.g. storage losing its database handle).
func RegisterComponent(name string, healthy bool, message string) {
	checker.mu.Lock()
	prev, existed := checker.components[name]
	checker.components[name] = componentState{healthy: healthy, message: message, updated: time.Now()}
	checker.mu.Unlock()

	if healthy {
		ComponentHealthy.WithLabelValues(name).Set(1)
	} else {
		ComponentHealthy.WithLabelValues(name).Set(0)
	}

	if !existed || prev.healthy != healthy {
		log := ulog.WithComponent("health")
		if healthy {
			log.Info().Str("component", name).Msg("component reported healthy")
		} else {
			log.Warn().Str("component", name).Str("reason", message).Msg("component reported unhealthy")
		}
	}
}

// UpdateComponent is an alias for RegisterComponent for callers reporting a
// change rather than an initial registration; the bookkeeping is identical.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth returns the aggregate health status: unhealthy if any
// registered component is unhealthy, healthy otherwise. Components that
// have never registered are simply absent, not treated as unhealthy — that
// distinction is GetReadiness's job.
func GetHealth() HealthStatus {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(checker.components))
	for name, comp := range checker.components {
		if comp.healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    checker.version,
		Uptime:     time.Since(checker.startTime).String(),
		StartTime:  checker.startTime,
	}
}

// GetReadiness checks only criticalComponents: a component the manager
// hasn't started reporting from yet is treated as not_ready, not simply
// absent, since readiness is meant to gate traffic until startup settles.
func GetReadiness() HealthStatus {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))

	for _, name := range criticalComponents {
		comp, exists := checker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    checker.version,
		Uptime:     time.Since(checker.startTime).String(),
		StartTime:  checker.startTime,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves /health: 200 with the full component breakdown if
// healthy, 503 otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves /ready: 200 once every critical component has
// reported healthy, 503 otherwise. Load balancers should hold traffic back
// on a 503 here even if /health is still 200.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler serves /live: always 200 while the process is scheduled
// and able to answer HTTP requests at all, regardless of subsystem health.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(checker.startTime).String(),
		})
	}
}
