// Package metrics keeps chatrelay's counters, gauges and histograms and
// serves them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// series is one labelled time series of a family.
type series interface {
	write(w io.Writer, name, labels string)
}

// family groups the series sharing a metric name.
type family struct {
	help   string
	kind   kind
	series map[string]series
}

// Collector is a registry of metric families. The zero value is not usable;
// call NewCollector.
type Collector struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
	now       func() time.Time
}

func NewCollector() *Collector {
	now := time.Now()
	return &Collector{families: make(map[string]*family), startTime: now, now: time.Now}
}

// Uptime returns the time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return c.now().Sub(c.startTime)
}

// lookup returns the series registered under name and labels, creating it
// with create on first use. Reusing a name with another kind panics.
func (c *Collector) lookup(name, help, labels string, k kind, create func() series) series {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[name]
	if !ok {
		f = &family{help: help, kind: k, series: make(map[string]series)}
		c.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	writeSample(w, name, labels, strconv.FormatInt(c.Value(), 10))
}

// Gauge can go both ways.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	writeSample(w, name, labels, strconv.FormatInt(g.Value(), 10))
}

// Histogram counts observations into cumulative buckets. The last bucket is
// always +Inf.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	bounds = slices.Clone(bounds)
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := strconv.FormatFloat(le, 'g', -1, 64)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(w, "%s_bucket{%s%sle=%q} %d\n", name, labels, sep, bound, h.counts[i])
	}
	writeSample(w, name+"_sum", labels, strconv.FormatFloat(h.sum, 'f', -1, 64))
	writeSample(w, name+"_count", labels, strconv.FormatInt(h.count, 10))
}

// Counter returns the counter for name and labels, registering it on first use.
func (c *Collector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, labels, kindCounter, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels, registering it on first use.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, labels, kindGauge, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. Buckets only apply
// when the series is first registered.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.lookup(name, help, labels, kindHistogram, func() series { return newHistogram(buckets) }).(*Histogram)
}

// Label formats one name="value" pair. Pairs are joined with commas.
func Label(name, value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return name + `="` + r.Replace(value) + `"`
}

func writeSample(w io.Writer, name, labels, value string) {
	if labels == "" {
		fmt.Fprintf(w, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(w, "%s{%s} %s\n", name, labels, value)
}

// Expose writes every family in text format, sorted by name and then by
// labels.
func (c *Collector) Expose(w io.Writer) {
	fmt.Fprintf(w, "# HELP chatrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE chatrelay_uptime_seconds gauge\n")
	fmt.Fprintf(w, "chatrelay_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	type entry struct {
		labels string
		s      series
	}
	type snapshot struct {
		name, help string
		kind       kind
		entries    []entry
	}

	c.mu.Lock()
	snaps := make([]snapshot, 0, len(c.families))
	for name, f := range c.families {
		snap := snapshot{name: name, help: f.help, kind: f.kind}
		for labels, s := range f.series {
			snap.entries = append(snap.entries, entry{labels, s})
		}
		snaps = append(snaps, snap)
	}
	c.mu.Unlock()

	slices.SortFunc(snaps, func(a, b snapshot) int { return strings.Compare(a.name, b.name) })
	for _, snap := range snaps {
		slices.SortFunc(snap.entries, func(a, b entry) int { return strings.Compare(a.labels, b.labels) })
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", snap.name, snap.help, snap.name, snap.kind)
		for _, e := range snap.entries {
			e.s.write(w, snap.name, e.labels)
		}
	}
}

// Render returns the exposition text.
func (c *Collector) Render() string {
	var sb strings.Builder
	c.Expose(&sb)
	return sb.String()
}

// Handler serves the exposition text.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Expose(w)
	}
}
