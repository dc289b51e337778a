package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "root", in: "/", want: "/"},
		{name: "empty", in: "", want: "/"},
		{name: "collection", in: "/artists", want: "/artists"},
		{name: "artist key", in: "/artists/edsheeran", want: "/artists/:key"},
		{name: "track key with trailing slash", in: "/tracks/Perfect/", want: "/tracks/:key"},
		{name: "numeric segment", in: "/api/collections/12345", want: "/api/collections/:id"},
		{name: "missing leading slash", in: "healthz", want: "/healthz"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizePath(tc.in); got != tc.want {
				t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestObserveRequestAggregatesByLabel(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("put", "/artists/a", 200, 100*time.Millisecond)
	recorder.ObserveRequest("PUT", "/artists/b", 200, 50*time.Millisecond)

	label := requestLabel{method: "PUT", path: "/artists/:key", status: "200"}
	if got := recorder.requestCount[label]; got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
	if got := recorder.requestDuration[label]; got != 150*time.Millisecond {
		t.Fatalf("expected 150ms total, got %s", got)
	}
}

func TestObserveMutationConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveMutation("artist", "create", "ok")
		}()
	}
	wg.Wait()

	counts := recorder.MutationCounts()
	if got := counts[MutationLabel{Resource: "artist", Operation: "create", Outcome: "ok"}]; got != 50 {
		t.Fatalf("expected 50 mutations, got %d", got)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("POST", "/artists", 200, time.Second)
	recorder.ObserveRequest("put", "/tracks/Perfect", 404, 500*time.Millisecond)
	recorder.ObserveMutation("artist", "create", "ok")
	recorder.ObserveMutation("track", "update", "not_found")
	recorder.ObserveProvision("ok", "")
	recorder.ObserveProvision("error", "authentication")
	recorder.SetProvisioned(true)
	recorder.ObserveCache("hit")
	recorder.ObserveCache("miss")
	recorder.ObserveCache("miss")
	recorder.ObserveRateLimited("mutation")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP musive_http_requests_total Total number of HTTP requests processed by the API
# TYPE musive_http_requests_total counter
musive_http_requests_total{method="POST",path="/artists",status="200"} 1
musive_http_requests_total{method="PUT",path="/tracks/:key",status="404"} 1
# HELP musive_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE musive_http_request_duration_seconds_sum counter
musive_http_request_duration_seconds_sum{method="POST",path="/artists",status="200"} 1.000000
musive_http_request_duration_seconds_sum{method="PUT",path="/tracks/:key",status="404"} 0.500000
# HELP musive_catalog_mutations_total Artist and track writes by operation and outcome
# TYPE musive_catalog_mutations_total counter
musive_catalog_mutations_total{resource="artist",operation="create",outcome="ok"} 1
musive_catalog_mutations_total{resource="track",operation="update",outcome="not_found"} 1
# HELP musive_provision_attempts_total Database initialization attempts by outcome
# TYPE musive_provision_attempts_total counter
musive_provision_attempts_total{outcome="error",reason="authentication"} 1
musive_provision_attempts_total{outcome="ok",reason="none"} 1
# HELP musive_store_provisioned Whether a shared store handle is held (1=yes)
# TYPE musive_store_provisioned gauge
musive_store_provisioned 1
# HELP musive_cache_lookups_total Read-through cache lookups by result
# TYPE musive_cache_lookups_total counter
musive_cache_lookups_total{result="hit"} 1
musive_cache_lookups_total{result="miss"} 2
# HELP musive_rate_limited_total Requests rejected by the rate limiter
# TYPE musive_rate_limited_total counter
musive_rate_limited_total{scope="mutation"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveCache("hit")
	recorder.SetProvisioned(true)
	recorder.Reset()

	if len(recorder.CacheCounts()) != 0 {
		t.Fatalf("expected cache counters to be cleared")
	}
	if recorder.Provisioned() {
		t.Fatalf("expected provisioned gauge to be cleared")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
