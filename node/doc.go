// Package node holds the local node's identity and status, and the table of
// peers observed on the bus.
//
// Context is the single owner of the node id, health, mode, uptime and
// vendor status. Every read and write goes through its methods.
//
// Health ordering (Nominal < Advisory < Caution < Warning) is advisory:
// SetHealth accepts any defined value but logs a warning when health
// improves, and Worsen only ever moves health toward Warning.
//
// PeerTable remembers nodes whose heartbeats were seen within the offline
// timeout. A heartbeat that claims the local node id comes from another node
// and is reported as a conflict.
package node
