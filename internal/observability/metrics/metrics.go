// Package metrics records agent lifecycle counters and exposes them in the
// Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type eventKey struct {
	typ    string
	result string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector holds the counters of a single agent process.
type Collector struct {
	mu       sync.Mutex
	events   map[eventKey]uint64
	upgrades map[string]uint64
	phases   map[string]*histogram
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{
		events:   make(map[eventKey]uint64),
		upgrades: make(map[string]uint64),
		phases:   make(map[string]*histogram),
	}
}

// ObserveEvent counts a published lifecycle event. A nil collector is a no-op.
func (c *Collector) ObserveEvent(typ string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[eventKey{typ: typ, result: result}]++
}

// ObserveUpgrade counts an upgrade attempt by outcome.
func (c *Collector) ObserveUpgrade(outcome string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upgrades[outcome]++
}

// ObservePhase records how long a lifecycle phase (init, run) took.
func (c *Collector) ObservePhase(phase string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.phases[phase]
	if hist == nil {
		hist = newHistogram()
		c.phases[phase] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.5, 1, 5, 30, 300, 3600}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render returns the current metrics as exposition text.
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	eventKeys := make([]eventKey, 0, len(c.events))
	for key := range c.events {
		eventKeys = append(eventKeys, key)
	}
	sort.Slice(eventKeys, func(i, j int) bool {
		if eventKeys[i].typ == eventKeys[j].typ {
			return eventKeys[i].result < eventKeys[j].result
		}
		return eventKeys[i].typ < eventKeys[j].typ
	})
	outcomes := sortedKeys(c.upgrades)
	phases := make([]string, 0, len(c.phases))
	for phase := range c.phases {
		phases = append(phases, phase)
	}
	sort.Strings(phases)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP virgo_events_total Lifecycle events published, by type and delivery result.\n")
	builder.WriteString("# TYPE virgo_events_total counter\n")
	for _, key := range eventKeys {
		fmt.Fprintf(&builder, "virgo_events_total{type=\"%s\",result=\"%s\"} %d\n",
			escape(key.typ), escape(key.result), c.events[key])
	}

	builder.WriteString("# HELP virgo_upgrades_total Self-upgrade attempts, by outcome.\n")
	builder.WriteString("# TYPE virgo_upgrades_total counter\n")
	for _, outcome := range outcomes {
		fmt.Fprintf(&builder, "virgo_upgrades_total{outcome=\"%s\"} %d\n", escape(outcome), c.upgrades[outcome])
	}

	builder.WriteString("# HELP virgo_phase_duration_seconds Duration of lifecycle phases in seconds.\n")
	builder.WriteString("# TYPE virgo_phase_duration_seconds histogram\n")
	for _, phase := range phases {
		hist := c.phases[phase]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&builder, "virgo_phase_duration_seconds_bucket{phase=\"%s\",le=\"%s\"} %d\n",
				escape(phase), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&builder, "virgo_phase_duration_seconds_bucket{phase=\"%s\",le=\"+Inf\"} %d\n", escape(phase), hist.count)
		fmt.Fprintf(&builder, "virgo_phase_duration_seconds_sum{phase=\"%s\"} %s\n", escape(phase), formatFloat(hist.sum))
		fmt.Fprintf(&builder, "virgo_phase_duration_seconds_count{phase=\"%s\"} %d\n", escape(phase), hist.count)
	}

	return builder.String()
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Server serves /metrics until Close is called.
type Server struct {
	srv  *http.Server
	addr net.Addr
	done chan error
}

// Start listens on addr and serves the collector at /metrics.
func Start(addr string, c *Collector) (*Server, error) {
	if addr == "" {
		return nil, errors.New("metrics address is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	s := &Server{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: ln.Addr(),
		done: make(chan error, 1),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.done <- err
		}
	}()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.addr.String()
}

// Close shuts the server down and returns any serve error.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if serveErr, ok := <-s.done; ok && serveErr != nil {
		return serveErr
	}
	return err
}
