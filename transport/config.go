package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/pkg/udpard"
)

// Config holds bridge settings.
type Config struct {
	Interface      string        `json:"interface"`
	BindAddress    string        `json:"bind_address"`
	Port           int           `json:"port"`
	MulticastGroup string        `json:"multicast_group"`
	MulticastTTL   int           `json:"multicast_ttl"`
	MTU            int           `json:"mtu"`
	QueueCapacity  int           `json:"queue_capacity"`
	TxTimeout      time.Duration `json:"tx_timeout"`
	SendTimeout    time.Duration `json:"send_timeout"`
	ReceiveTimeout time.Duration `json:"receive_timeout"`
	LockTimeout    time.Duration `json:"lock_timeout"`
	Envelope       bool          `json:"envelope"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BindAddress:    "0.0.0.0",
		Port:           udpard.DefaultPort,
		MulticastGroup: "239.0.0.1",
		MulticastTTL:   16,
		MTU:            udpard.DefaultMTU,
		QueueCapacity:  udpard.DefaultQueueCapacity,
		TxTimeout:      time.Second,
		SendTimeout:    50 * time.Millisecond,
		ReceiveTimeout: 100 * time.Millisecond,
		LockTimeout:    100 * time.Millisecond,
		Envelope:       true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port), "transport", "Validate", "port validation")
	}
	if c.MulticastGroup != "" {
		ip := net.ParseIP(c.MulticastGroup)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return errors.WrapInvalid(fmt.Errorf("invalid IPv4 multicast group %q", c.MulticastGroup),
				"transport", "Validate", "group validation")
		}
	}
	if c.MTU < udpard.MinMTU {
		return errors.WrapInvalid(fmt.Errorf("mtu %d below %d", c.MTU, udpard.MinMTU),
			"transport", "Validate", "mtu validation")
	}
	if c.QueueCapacity <= 0 {
		return errors.WrapInvalid(fmt.Errorf("queue capacity %d", c.QueueCapacity),
			"transport", "Validate", "queue validation")
	}
	for name, d := range map[string]time.Duration{
		"tx_timeout":      c.TxTimeout,
		"send_timeout":    c.SendTimeout,
		"receive_timeout": c.ReceiveTimeout,
		"lock_timeout":    c.LockTimeout,
	} {
		if d <= 0 {
			return errors.WrapInvalid(fmt.Errorf("%s must be positive", name), "transport", "Validate", "timeout validation")
		}
	}
	return nil
}
