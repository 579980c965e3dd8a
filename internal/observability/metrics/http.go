package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// labels identifies one HTTP series. code is only set on the request
// counter; the error counter and the latency histogram aggregate over it.
type labels struct {
	handler string
	method  string
	code    string
}

var latencyBuckets = [...]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// latencyHist keeps one count per bucket; cumulative totals are computed
// at render time, samples beyond the last bound only appear in +Inf.
type latencyHist struct {
	counts [len(latencyBuckets)]uint64
	sum    float64
	total  uint64
}

func (h *latencyHist) observe(seconds float64) {
	h.total++
	h.sum += seconds
	for i, bound := range latencyBuckets {
		if seconds <= bound {
			h.counts[i]++
			return
		}
	}
}

type httpStats struct {
	mu       sync.Mutex
	requests map[labels]uint64
	failures map[labels]uint64
	latency  map[labels]*latencyHist
}

var httpCollector = &httpStats{
	requests: make(map[labels]uint64),
	failures: make(map[labels]uint64),
	latency:  make(map[labels]*latencyHist),
}

// ObserveHTTPRequest records one finished request: status counter, 5xx
// error counter and latency histogram.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration.Seconds())
}

func (s *httpStats) observe(handler, method string, status int, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[labels{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		s.failures[labels{handler: handler, method: method}]++
	}

	key := labels{handler: handler, method: method}
	hist := s.latency[key]
	if hist == nil {
		hist = &latencyHist{}
		s.latency[key] = hist
	}
	hist.observe(seconds)
}

// Handler serves every collected metric in Prometheus text exposition
// format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, runtimeCollector.render())
	})
}

func (s *httpStats) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	writeSeriesHeader(&b, "opensouk_http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, key := range sortLabels(collectKeys(s.requests)) {
		fmt.Fprintf(&b, "opensouk_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escapeLabel(key.handler), escapeLabel(key.method), escapeLabel(key.code), s.requests[key])
	}

	writeSeriesHeader(&b, "opensouk_http_request_errors_total", "counter", "Total number of HTTP requests that resulted in a server error.")
	for _, key := range sortLabels(collectKeys(s.failures)) {
		fmt.Fprintf(&b, "opensouk_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escapeLabel(key.handler), escapeLabel(key.method), s.failures[key])
	}

	writeSeriesHeader(&b, "opensouk_http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	histKeys := make([]labels, 0, len(s.latency))
	for key := range s.latency {
		histKeys = append(histKeys, key)
	}
	for _, key := range sortLabels(histKeys) {
		hist := s.latency[key]
		handler, method := escapeLabel(key.handler), escapeLabel(key.method)
		cumulative := uint64(0)
		for i, bound := range latencyBuckets {
			cumulative += hist.counts[i]
			fmt.Fprintf(&b, "opensouk_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				handler, method, formatFloat(bound), cumulative)
		}
		fmt.Fprintf(&b, "opensouk_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			handler, method, hist.total)
		fmt.Fprintf(&b, "opensouk_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			handler, method, formatFloat(hist.sum))
		fmt.Fprintf(&b, "opensouk_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			handler, method, hist.total)
	}

	return b.String()
}

func writeSeriesHeader(b *strings.Builder, name, kind, help string) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " " + kind + "\n")
}

func collectKeys(m map[labels]uint64) []labels {
	keys := make([]labels, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}

func sortLabels(keys []labels) []labels {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(value string) string {
	return labelEscaper.Replace(value)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer runs a dedicated listener exposing /metrics until ctx is
// cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
