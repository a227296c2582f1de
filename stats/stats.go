// Package stats implements the run-time statistics hooks of spec §4.12: a
// pluggable registry of named sampling sources, reported through OpenTelemetry
// observable gauges — the Go analogue of so_5's quantity<T> subscription
// mechanism, which samples a value only when a collector actually asks for it
// rather than pushing on every change.
package stats

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Source samples one named quantity on demand (spec §4.12's quantity<T>).
type Source func() int64

// Registry is the live set of named samplers a dispatcher, demand queue, or
// rate-limit table can publish itself into.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{sources: make(map[string]Source)} }

// Register installs (or replaces) the sampler for name.
func (r *Registry) Register(name string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = src
}

// Unregister removes name's sampler.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
}

// Sample returns a snapshot of every registered source's current value.
func (r *Registry) Sample() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.sources))
	for name, src := range r.sources {
		out[name] = src()
	}
	return out
}

// InstallOTel registers one observable gauge per currently-registered
// source under meter, each reading through the Registry at collection
// time. Sources added to the Registry after InstallOTel runs are not
// picked up; call InstallOTel again (or wrap a source that consults the
// Registry's current key set) if sources are added dynamically.
func InstallOTel(meter metric.Meter, r *Registry) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		name := name
		_, err := meter.Int64ObservableGauge(
			"coopkit."+name,
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				r.mu.RLock()
				src, ok := r.sources[name]
				r.mu.RUnlock()
				if ok {
					o.Observe(src())
				}
				return nil
			}),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// QueueDepth adapts anything exposing Len() int (demand.Queue, mchain.Chain)
// into a Source.
func QueueDepth(q interface{ Len() int }) Source {
	return func() int64 { return int64(q.Len()) }
}
