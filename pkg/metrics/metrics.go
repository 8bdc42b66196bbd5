package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the edge's in-process metrics store: request stats per
// endpoint, gate decisions by action and reason, and rate-limit totals by
// category.
type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	gateDecision map[string]int64
	rateLimited  map[string]int64
	gauges       map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	GateDecisions map[string]int64        `json:"gate_decisions"`
	RateLimited   map[string]int64        `json:"rate_limited"`
	Gauges        map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		gateDecision: map[string]int64{},
		rateLimited:  map[string]int64{},
		gauges:       map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncGateDecision counts one pipeline outcome, keyed action|reason.
func (r *Registry) IncGateDecision(action, reason string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "NONE"
	}
	key := action + "|" + reason
	r.mu.Lock()
	r.gateDecision[key]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited(category string) {
	category = strings.TrimSpace(category)
	if category == "" {
		return
	}
	r.mu.Lock()
	r.rateLimited[category]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		GateDecisions: make(map[string]int64, len(r.gateDecision)),
		RateLimited:   make(map[string]int64, len(r.rateLimited)),
		Gauges:        make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gateDecision {
		out.GateDecisions[k] = v
	}
	for k, v := range r.rateLimited {
		out.RateLimited[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP vayva_edge_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE vayva_edge_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vayva_edge_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP vayva_edge_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE vayva_edge_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vayva_edge_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP vayva_edge_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE vayva_edge_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vayva_edge_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP vayva_edge_gate_decision_total pipeline outcomes by action and reason\n")
		b.WriteString("# TYPE vayva_edge_gate_decision_total counter\n")
		for _, key := range sortedKeys(snap.GateDecisions) {
			parts := strings.SplitN(key, "|", 2)
			action := parts[0]
			reason := "NONE"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "vayva_edge_gate_decision_total{action=%q,reason=%q} %d\n", action, reason, snap.GateDecisions[key])
		}
		b.WriteString("# HELP vayva_edge_rate_limited_total rate-limited requests by category\n")
		b.WriteString("# TYPE vayva_edge_rate_limited_total counter\n")
		for _, cat := range sortedKeys(snap.RateLimited) {
			fmt.Fprintf(b, "vayva_edge_rate_limited_total{category=%q} %d\n", cat, snap.RateLimited[cat])
		}
		b.WriteString("# HELP vayva_edge_gauge operational gauge metrics\n")
		b.WriteString("# TYPE vayva_edge_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "vayva_edge_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
