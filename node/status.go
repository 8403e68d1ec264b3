package node

import (
	"fmt"

	"github.com/c360/cyphalnode/errors"
)

// Health is the node health reported in heartbeats.
type Health uint8

const (
	HealthNominal Health = iota
	HealthAdvisory
	HealthCaution
	HealthWarning
)

func (h Health) String() string {
	switch h {
	case HealthNominal:
		return "nominal"
	case HealthAdvisory:
		return "advisory"
	case HealthCaution:
		return "caution"
	case HealthWarning:
		return "warning"
	default:
		return fmt.Sprintf("health(%d)", uint8(h))
	}
}

// Valid reports whether h is a defined health value.
func (h Health) Valid() bool {
	return h <= HealthWarning
}

// ParseHealth accepts the names produced by Health.String.
func ParseHealth(s string) (Health, error) {
	for h := HealthNominal; h <= HealthWarning; h++ {
		if h.String() == s {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown health %q", errors.ErrInvalidParameter, s)
}

// Mode is the node operating mode reported in heartbeats.
type Mode uint8

const (
	ModeOperational    Mode = 0
	ModeInitialization Mode = 1
	ModeMaintenance    Mode = 2
	ModeSoftwareUpdate Mode = 3
	ModeOffline        Mode = 7
)

func (m Mode) String() string {
	switch m {
	case ModeOperational:
		return "operational"
	case ModeInitialization:
		return "initialization"
	case ModeMaintenance:
		return "maintenance"
	case ModeSoftwareUpdate:
		return "software_update"
	case ModeOffline:
		return "offline"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is a defined mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOperational, ModeInitialization, ModeMaintenance, ModeSoftwareUpdate, ModeOffline:
		return true
	default:
		return false
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeOperational, ModeInitialization, ModeMaintenance, ModeSoftwareUpdate, ModeOffline} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidParameter, s)
}

// Status is the content of a heartbeat.
type Status struct {
	Uptime       uint32 `json:"uptime"`
	Health       Health `json:"health"`
	Mode         Mode   `json:"mode"`
	VendorStatus uint8  `json:"vendor_status"`
}
