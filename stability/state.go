package stability

import (
	"fmt"
	"time"
)

// State is the node stability state.
type State int

const (
	StateNormal State = iota
	StateDegraded
	StateIsolated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDegraded:
		return "degraded"
	case StateIsolated:
		return "isolated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskHandle identifies a monitored task.
type TaskHandle uint32

// TaskInfo is a snapshot of one task record.
type TaskInfo struct {
	Handle           TaskHandle    `json:"handle"`
	Name             string        `json:"name"`
	Interval         time.Duration `json:"interval"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	Missed           uint32        `json:"missed"`
	Healthy          bool          `json:"healthy"`
	WatchdogTimeout  time.Duration `json:"watchdog_timeout"`
	WatchdogEnabled  bool          `json:"watchdog_enabled"`
	WatchdogTimeouts uint32        `json:"watchdog_timeouts"`
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	State               State         `json:"state"`
	Isolations          uint32        `json:"isolations"`
	RecoveryAttempts    uint32        `json:"recovery_attempts"`
	RecoverySuccesses   uint32        `json:"recovery_successes"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	Uptime              time.Duration `json:"uptime"`
	DegradedTime        time.Duration `json:"degraded_time"`
	Tasks               int           `json:"tasks"`
	UnhealthyTasks      int           `json:"unhealthy_tasks"`
}

// Listener observes state transitions. It runs without the manager lock held.
type Listener func(from, to State)
