package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// MutationLabel identifies a catalog write by resource, operation and outcome.
type MutationLabel struct {
	Resource  string
	Operation string
	Outcome   string
}

// ProvisionLabel identifies a provisioning attempt by outcome and failure reason.
type ProvisionLabel struct {
	Outcome string
	Reason  string
}

// Recorder aggregates in-memory counters for HTTP traffic, catalog mutations,
// provisioning attempts and cache lookups. Writers are coordinated through a
// RWMutex; the provisioned gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	mutations       map[MutationLabel]uint64
	provisions      map[ProvisionLabel]uint64
	cacheEvents     map[string]uint64
	rateLimited     map[string]uint64
	provisioned     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		mutations:       make(map[MutationLabel]uint64),
		provisions:      make(map[ProvisionLabel]uint64),
		cacheEvents:     make(map[string]uint64),
		rateLimited:     make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveMutation counts a create or update of an artist or track. Outcome is
// "ok" or the error kind that rejected the write.
func (r *Recorder) ObserveMutation(resource, operation, outcome string) {
	label := MutationLabel{
		Resource:  normalizeName(resource),
		Operation: normalizeName(operation),
		Outcome:   normalizeName(outcome),
	}
	r.mu.Lock()
	r.mutations[label]++
	r.mu.Unlock()
}

// ObserveProvision counts an initialize attempt. Reason is empty on success.
func (r *Recorder) ObserveProvision(outcome, reason string) {
	label := ProvisionLabel{Outcome: normalizeName(outcome), Reason: strings.ToLower(strings.TrimSpace(reason))}
	if label.Reason == "" {
		label.Reason = "none"
	}
	r.mu.Lock()
	r.provisions[label]++
	r.mu.Unlock()
}

// SetProvisioned flips the gauge reporting whether a shared store is held.
func (r *Recorder) SetProvisioned(ready bool) {
	if ready {
		r.provisioned.Store(1)
		return
	}
	r.provisioned.Store(0)
}

// Provisioned reports the current gauge value.
func (r *Recorder) Provisioned() bool {
	return r.provisioned.Load() == 1
}

// ObserveCache records a cache lookup result ("hit", "miss" or "error").
func (r *Recorder) ObserveCache(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.cacheEvents[normalized]++
	r.mu.Unlock()
}

// ObserveRateLimited records a request rejected by the named limiter scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	normalized := normalizeName(scope)
	r.mu.Lock()
	r.rateLimited[normalized]++
	r.mu.Unlock()
}

// MutationCounts returns a copy of the mutation counters.
func (r *Recorder) MutationCounts() map[MutationLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[MutationLabel]uint64, len(r.mutations))
	for k, v := range r.mutations {
		out[k] = v
	}
	return out
}

// ProvisionCounts returns a copy of the provisioning counters.
func (r *Recorder) ProvisionCounts() map[ProvisionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ProvisionLabel]uint64, len(r.provisions))
	for k, v := range r.provisions {
		out[k] = v
	}
	return out
}

// CacheCounts returns a copy of the cache lookup counters.
func (r *Recorder) CacheCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.cacheEvents))
	for k, v := range r.cacheEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.mutations = make(map[MutationLabel]uint64)
	r.provisions = make(map[ProvisionLabel]uint64)
	r.cacheEvents = make(map[string]uint64)
	r.rateLimited = make(map[string]uint64)
	r.provisioned.Store(0)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format with label
// sets sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	mutationLabels := r.sortedMutationLabels()
	provisionLabels := r.sortedProvisionLabels()
	cacheEvents := sortedKeys(r.cacheEvents)
	limitedScopes := sortedKeys(r.rateLimited)

	fmt.Fprintln(w, "# HELP musive_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE musive_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "musive_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP musive_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE musive_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "musive_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP musive_catalog_mutations_total Artist and track writes by operation and outcome")
	fmt.Fprintln(w, "# TYPE musive_catalog_mutations_total counter")
	for _, label := range mutationLabels {
		fmt.Fprintf(w, "musive_catalog_mutations_total{resource=\"%s\",operation=\"%s\",outcome=\"%s\"} %d\n", label.Resource, label.Operation, label.Outcome, r.mutations[label])
	}

	fmt.Fprintln(w, "# HELP musive_provision_attempts_total Database initialization attempts by outcome")
	fmt.Fprintln(w, "# TYPE musive_provision_attempts_total counter")
	for _, label := range provisionLabels {
		fmt.Fprintf(w, "musive_provision_attempts_total{outcome=\"%s\",reason=\"%s\"} %d\n", label.Outcome, label.Reason, r.provisions[label])
	}

	fmt.Fprintln(w, "# HELP musive_store_provisioned Whether a shared store handle is held (1=yes)")
	fmt.Fprintln(w, "# TYPE musive_store_provisioned gauge")
	fmt.Fprintf(w, "musive_store_provisioned %d\n", r.provisioned.Load())

	fmt.Fprintln(w, "# HELP musive_cache_lookups_total Read-through cache lookups by result")
	fmt.Fprintln(w, "# TYPE musive_cache_lookups_total counter")
	for _, event := range cacheEvents {
		fmt.Fprintf(w, "musive_cache_lookups_total{result=\"%s\"} %d\n", event, r.cacheEvents[event])
	}

	fmt.Fprintln(w, "# HELP musive_rate_limited_total Requests rejected by the rate limiter")
	fmt.Fprintln(w, "# TYPE musive_rate_limited_total counter")
	for _, scope := range limitedScopes {
		fmt.Fprintf(w, "musive_rate_limited_total{scope=\"%s\"} %d\n", scope, r.rateLimited[scope])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedMutationLabels() []MutationLabel {
	labels := make([]MutationLabel, 0, len(r.mutations))
	for label := range r.mutations {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Resource != labels[j].Resource {
			return labels[i].Resource < labels[j].Resource
		}
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedProvisionLabels() []ProvisionLabel {
	labels := make([]ProvisionLabel, 0, len(r.provisions))
	for label := range r.provisions {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Outcome != labels[j].Outcome {
			return labels[i].Outcome < labels[j].Outcome
		}
		return labels[i].Reason < labels[j].Reason
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// keyedCollections are path segments whose following segment is a record key.
var keyedCollections = map[string]struct{}{
	"artists": {},
	"tracks":  {},
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i > 0 {
			if _, ok := keyedCollections[parts[i-1]]; ok {
				parts[i] = ":key"
				continue
			}
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
