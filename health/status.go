package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/cyphalnode/component"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/stability"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

var (
	urlRegex         = regexp.MustCompile(`(?:https?|nats|wss?|udp)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of a component or of the whole node.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries the activity figures behind a Status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == statusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == statusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == statusUnhealthy }

// WithMetrics returns a copy with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with sub appended. The receiver's slice is
// never shared with the copy.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = windowsPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(out, "[REDACTED]")
		}
	}
	return out
}

// FromComponentHealth converts a component's self-reported health.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	var s Status
	switch {
	case ch.Healthy:
		s = NewHealthy(name, "Component healthy")
	case ch.LastError != "":
		s = NewUnhealthy(name, sanitizeErrorMessage(ch.LastError))
	default:
		s = NewUnhealthy(name, "Component unhealthy")
	}
	return s.WithMetrics(&Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	})
}

// FromStability maps the stability state: Normal is healthy, Degraded is
// degraded, Isolated and Failed are unhealthy.
func FromStability(st stability.Stats) Status {
	const name = "stability"
	var s Status
	switch st.State {
	case stability.StateNormal:
		s = NewHealthy(name, "All tasks healthy")
	case stability.StateDegraded:
		s = NewDegraded(name, "One or more tasks unhealthy")
	case stability.StateIsolated:
		s = NewUnhealthy(name, "Node isolated from bus")
	default:
		s = NewUnhealthy(name, "Recovery abandoned")
	}
	return s.WithMetrics(&Metrics{Uptime: st.Uptime, ErrorCount: int(st.Isolations)})
}

// FromNodeHealth maps the heartbeat health: Nominal is healthy, Advisory
// and Caution are degraded, Warning is unhealthy.
func FromNodeHealth(snap node.Snapshot) Status {
	const name = "node"
	msg := "Node " + snap.ID.String() + " " + snap.Mode.String() + ", health " + snap.Health.String()
	var s Status
	switch snap.Health {
	case node.HealthNominal:
		s = NewHealthy(name, msg)
	case node.HealthAdvisory, node.HealthCaution:
		s = NewDegraded(name, msg)
	default:
		s = NewUnhealthy(name, msg)
	}
	return s.WithMetrics(&Metrics{Uptime: time.Duration(snap.Uptime) * time.Second})
}
