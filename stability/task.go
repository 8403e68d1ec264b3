package stability

import (
	"sync"
	"time"
)

// MaxTasks is the number of tasks a Manager can monitor.
const MaxTasks = 4

const (
	silenceFactor  = 2
	watchdogFactor = 3
)

type watchdog struct {
	timeout  time.Duration
	lastKick time.Time
	enabled  bool
	expired  bool
	timeouts uint32
}

// task has its own lock so heartbeats from different workers do not contend.
type task struct {
	mu            sync.Mutex
	handle        TaskHandle
	name          string
	interval      time.Duration
	lastHeartbeat time.Time
	missed        uint32
	healthy       bool
	wd            watchdog
}

func newTask(handle TaskHandle, name string, interval time.Duration, now time.Time) *task {
	return &task{
		handle:        handle,
		name:          name,
		interval:      interval,
		lastHeartbeat: now,
		healthy:       true,
		wd: watchdog{
			timeout:  watchdogFactor * interval,
			lastKick: now,
			enabled:  true,
		},
	}
}

func (t *task) heartbeat(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHeartbeat = now
	t.missed = 0
	t.healthy = true
	t.wd.lastKick = now
	t.wd.expired = false
}

// check re-evaluates the task at now and reports whether it is healthy.
func (t *task) check(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	silent := now.Sub(t.lastHeartbeat)
	healthy := silent <= silenceFactor*t.interval

	if t.wd.enabled && now.Sub(t.wd.lastKick) > t.wd.timeout {
		if !t.wd.expired {
			t.wd.expired = true
			t.wd.timeouts++
		}
		healthy = false
	}

	if healthy {
		t.missed = 0
	} else if n := uint32(silent / t.interval); n > t.missed {
		t.missed = n
	}
	t.healthy = healthy
	return healthy
}

func (t *task) info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		Handle:           t.handle,
		Name:             t.name,
		Interval:         t.interval,
		LastHeartbeat:    t.lastHeartbeat,
		Missed:           t.missed,
		Healthy:          t.healthy,
		WatchdogTimeout:  t.wd.timeout,
		WatchdogEnabled:  t.wd.enabled,
		WatchdogTimeouts: t.wd.timeouts,
	}
}

func (t *task) setWatchdog(enabled bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wd.enabled = enabled
	t.wd.lastKick = now
	t.wd.expired = false
}
