package health

import "time"

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == statusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, statusHealthy, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, statusUnhealthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, statusDegraded, message)
}

// Aggregate combines sub-statuses: unhealthy wins over degraded, degraded
// over healthy. The input slice is copied.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	worst := statusHealthy
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			worst = statusUnhealthy
		case sub.IsDegraded() && worst == statusHealthy:
			worst = statusDegraded
		}
	}

	var s Status
	switch worst {
	case statusUnhealthy:
		s = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case statusDegraded:
		s = NewDegraded(component, "One or more sub-components are degraded")
	default:
		s = NewHealthy(component, "All sub-components are healthy")
	}
	s.SubStatuses = make([]Status, len(subs))
	copy(s.SubStatuses, subs)
	return s
}
