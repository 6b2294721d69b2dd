package drawbatch

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Profiler keeps CPU timings of named frame stages and a set of counters.
// Stages print in the order they were first seen.
type Profiler struct {
	scopes map[string]time.Duration
	starts map[string]time.Time
	counts map[string]int
	order  []string
	now    func() time.Time
}

func NewProfiler() *Profiler {
	return &Profiler{
		scopes: make(map[string]time.Duration),
		starts: make(map[string]time.Time),
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (p *Profiler) BeginScope(name string) {
	if _, seen := p.scopes[name]; !seen {
		p.order = append(p.order, name)
		p.scopes[name] = 0
	}
	p.starts[name] = p.now()
}

// EndScope records the time since the matching BeginScope. Unmatched calls are ignored.
func (p *Profiler) EndScope(name string) {
	start, ok := p.starts[name]
	if !ok {
		return
	}
	p.scopes[name] = p.now().Sub(start)
	delete(p.starts, name)
}

// Measure times fn as the named stage. The scope ends even when fn fails.
func (p *Profiler) Measure(name string, fn func() error) error {
	p.BeginScope(name)
	defer p.EndScope(name)
	return fn()
}

// Pending is the number of scopes begun and not yet ended.
func (p *Profiler) Pending() int { return len(p.starts) }

func (p *Profiler) SetCount(name string, count int) {
	p.counts[name] = count
}

func (p *Profiler) Scope(name string) time.Duration { return p.scopes[name] }
func (p *Profiler) Count(name string) int           { return p.counts[name] }

// Stages lists the stage names in first-seen order.
func (p *Profiler) Stages() []string {
	return append([]string(nil), p.order...)
}

// Reset zeroes the timings and keeps the stage order.
func (p *Profiler) Reset() {
	for k := range p.scopes {
		p.scopes[k] = 0
	}
	clear(p.starts)
}

func (p *Profiler) String() string {
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.order {
		ms := float64(p.scopes[name].Microseconds()) / 1000.0
		fmt.Fprintf(&sb, "  %-10s: %.2f ms\n", name, ms)
	}

	keys := make([]string, 0, len(p.counts))
	for k := range p.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb.WriteString("Stats:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %-10s: %d\n", k, p.counts[k])
	}
	return sb.String()
}
