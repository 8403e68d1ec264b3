package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed taxonomy of node-level errors.
type Kind int

const (
	KindNone Kind = iota
	KindNetworkUnavailable
	KindQueueFull
	KindTimeout
	KindSendFailed
	KindReceiveFailed
	KindTransportError
	KindInitFailed
	KindInvalidConfig
	KindInvalidParameter
	KindMemoryAllocation
	KindNodeIDConflict
	KindAllocationFailed
	KindTooManyTasks
)

// Kinds lists every defined kind except KindNone, in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindNetworkUnavailable,
		KindQueueFull,
		KindTimeout,
		KindSendFailed,
		KindReceiveFailed,
		KindTransportError,
		KindInitFailed,
		KindInvalidConfig,
		KindInvalidParameter,
		KindMemoryAllocation,
		KindNodeIDConflict,
		KindAllocationFailed,
		KindTooManyTasks,
	}
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindQueueFull:
		return "queue_full"
	case KindTimeout:
		return "timeout"
	case KindSendFailed:
		return "send_failed"
	case KindReceiveFailed:
		return "receive_failed"
	case KindTransportError:
		return "transport_error"
	case KindInitFailed:
		return "init_failed"
	case KindInvalidConfig:
		return "invalid_config"
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindMemoryAllocation:
		return "memory_allocation"
	case KindNodeIDConflict:
		return "node_id_conflict"
	case KindAllocationFailed:
		return "allocation_failed"
	case KindTooManyTasks:
		return "too_many_tasks"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Class maps a kind onto the retry classification.
func (k Kind) Class() ErrorClass {
	switch k {
	case KindNetworkUnavailable, KindQueueFull, KindTimeout,
		KindSendFailed, KindReceiveFailed, KindTransportError:
		return ErrorTransient
	case KindInvalidConfig, KindInvalidParameter, KindTooManyTasks:
		return ErrorInvalid
	case KindInitFailed, KindMemoryAllocation, KindNodeIDConflict, KindAllocationFailed:
		return ErrorFatal
	case KindNone:
		return ErrorTransient
	default:
		return ErrorFatal
	}
}

// Sentinel returns the package sentinel for the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindNetworkUnavailable:
		return ErrNetworkUnavailable
	case KindQueueFull:
		return ErrQueueFull
	case KindTimeout:
		return ErrTimeout
	case KindSendFailed:
		return ErrSendFailed
	case KindReceiveFailed:
		return ErrReceiveFailed
	case KindTransportError:
		return ErrTransportError
	case KindInitFailed:
		return ErrInitFailed
	case KindInvalidConfig:
		return ErrInvalidConfig
	case KindInvalidParameter:
		return ErrInvalidParameter
	case KindMemoryAllocation:
		return ErrMemoryAllocation
	case KindNodeIDConflict:
		return ErrNodeIDConflict
	case KindAllocationFailed:
		return ErrAllocationFailed
	case KindTooManyTasks:
		return ErrTooManyTasks
	case KindNone:
		return nil
	default:
		return nil
	}
}

// IsRecoverable reports whether the error handler may attempt a bounded
// recovery for the kind.
func IsRecoverable(k Kind) bool {
	switch k {
	case KindNetworkUnavailable, KindQueueFull, KindTimeout,
		KindSendFailed, KindReceiveFailed, KindTransportError:
		return true
	case KindNone, KindInitFailed, KindInvalidConfig, KindInvalidParameter,
		KindMemoryAllocation, KindNodeIDConflict, KindAllocationFailed, KindTooManyTasks:
		return false
	default:
		return false
	}
}

// IsCritical reports whether a single occurrence of the kind isolates the node.
func IsCritical(k Kind) bool {
	switch k {
	case KindInitFailed, KindAllocationFailed, KindNodeIDConflict:
		return true
	case KindNone, KindNetworkUnavailable, KindQueueFull, KindTimeout, KindSendFailed,
		KindReceiveFailed, KindTransportError, KindInvalidConfig, KindInvalidParameter,
		KindMemoryAllocation, KindTooManyTasks:
		return false
	default:
		return false
	}
}

// KindOf walks the wrap chain of err and returns the first kind found.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindNone
}

type kindError struct {
	kind Kind
	msg  string
}

func newSentinel(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

// Kind returns the taxonomy entry of the sentinel.
func (e *kindError) Kind() Kind { return e.kind }

// Severity grades an error report.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity accepts the names produced by Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, s)
	}
}
