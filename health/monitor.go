package health

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/cyphalnode/metric"
)

// Monitor keeps the latest Status per component. It is safe for concurrent
// use.
type Monitor struct {
	metrics *metric.Metrics

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a monitor. metrics may be nil.
func NewMonitor(metrics *metric.Metrics) *Monitor {
	return &Monitor{
		metrics:  metrics,
		statuses: make(map[string]Status),
	}
}

// Update stores status under name, stamping it when it has no timestamp.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHealthStatus(name, status.Healthy)
	}
}

// Get returns the status stored under name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// GetAll returns a copy of every stored status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, s := range m.statuses {
		out[name] = s
	}
	return out
}

// Remove forgets a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// AggregateHealth aggregates every stored status under systemName. Sub
// statuses are ordered by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}

// Count returns the number of tracked components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
