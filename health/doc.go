// Package health reports the health of the node's components in one shape
// for the HTTP gateway and the logs.
//
// A Status is healthy, degraded or unhealthy. Components that implement
// component.Discoverable are converted with FromComponentHealth; the
// stability state and the node's own heartbeat health map onto the same
// three levels with FromStability and FromNodeHealth. A Monitor keeps the
// latest Status of every component and aggregates them: any unhealthy
// component makes the aggregate unhealthy, otherwise any degraded component
// makes it degraded.
//
// Error text carried into a Status is sanitized. URLs, paths, IP addresses,
// ports and credential-looking pairs are replaced with placeholders before
// the message leaves the process.
package health
