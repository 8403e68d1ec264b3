// Package config loads the node configuration.
//
// A Config has one section per subsystem: node identity, network, transmit
// queue, heartbeat, allocator, stability, error handling, the NATS mirror,
// the HTTP gateway and logging. Loader starts from Default, merges each file
// layer on top (JSON, or YAML for .yaml/.yml files), applies CYPHAL_*
// environment overrides and optionally validates the result.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/node.yaml")
//	loader.AddLayer("configs/site.json") // overrides node.yaml
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations may be written as strings ("250ms", "5s", "1d") in either format.
//
// SafeConfig guards a Config for concurrent readers; Get returns a deep copy.
package config
