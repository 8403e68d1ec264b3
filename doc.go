// Package cyphalnode is a Cyphal/UDP node stack: a process joins a multicast
// bus, owns one node identity and exchanges publish/subscribe messages and
// request/response service calls with the other nodes on that bus.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   gateway/http        cmd/cyphalnode │  /metrics, /health, /node,
//	│   (admin + websocket tap)            │  transfer stream
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│              stack                  │  lifecycle, workers,
//	│  (node, tx, rx and monitor workers) │  publish / subscribe API
//	└─────────────────────────────────────┘
//	     ↓ uses                 ↓ supervised by
//	┌──────────────────┐  ┌──────────────────────────┐
//	│ heartbeat        │  │ stability, errorhandler, │
//	│ allocator        │  │ health                   │
//	│ txqueue, node    │  └──────────────────────────┘
//	└──────────────────┘
//	           ↓ sends through
//	┌─────────────────────────────────────┐
//	│   transport (bridge) + pkg/udpard   │  UDP multicast frames
//	└─────────────────────────────────────┘
//
// The optional mirror republishes every transfer and a periodic status
// document to NATS through natsclient.
//
// # Node identity
//
// A node starts either with a static id (0..127) or anonymous (255). An
// anonymous node obtains an id from the allocator, locally or through the
// plug-and-play protocol, and begins heartbeating once it has one. A second
// node heard with the same id is a conflict: a dynamically allocated id is
// released and allocation restarts, a static one isolates the node.
//
// # Stability
//
// The stability manager watches worker task heartbeats and the error
// handler's severity stream. A critical error isolates the node: the
// heartbeat stops and no transfers are sent until the recovery timeout has
// passed and the node returns to normal.
//
// # Configuration
//
// Configuration is loaded by config.Loader from YAML or JSON files, layered
// over config.Default and overridden by CYPHAL_* environment variables.
package cyphalnode
