package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/node"
)

// maxBodySize bounds PUT bodies.
const maxBodySize = 4096

// NodeView is the JSON form of the node identity.
type NodeView struct {
	ID                string `json:"id"`
	UniqueID          string `json:"unique_id"`
	Health            string `json:"health"`
	Mode              string `json:"mode"`
	Uptime            uint32 `json:"uptime_s"`
	HeartbeatEnabled  bool   `json:"heartbeat_enabled"`
	HeartbeatInterval string `json:"heartbeat_interval"`
}

// NodeUpdate is the PUT /node body. Absent fields are left unchanged. An id
// of 255 makes the node anonymous and starts allocation.
type NodeUpdate struct {
	ID                *uint8  `json:"id,omitempty"`
	Health            *string `json:"health,omitempty"`
	Mode              *string `json:"mode,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`
	HeartbeatEnabled  *bool   `json:"heartbeat_enabled,omitempty"`
}

func (g *Gateway) view() NodeView {
	snap := g.node.Snapshot()
	return NodeView{
		ID:                snap.ID.String(),
		UniqueID:          snap.UniqueID.String(),
		Health:            snap.Health.String(),
		Mode:              snap.Mode.String(),
		Uptime:            snap.Uptime,
		HeartbeatEnabled:  g.node.HeartbeatEnabled(),
		HeartbeatInterval: g.node.HeartbeatInterval().String(),
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := g.node.HealthStatus()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, st)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, g.node.StatusString())
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.node.Stats())
}

func (g *Gateway) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := g.node.Peers()
	if peers == nil {
		peers = []node.Peer{}
	}
	g.writeJSON(w, http.StatusOK, peers)
}

func (g *Gateway) handleGetNode(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.view())
}

func (g *Gateway) handlePutNode(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var upd NodeUpdate
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&upd); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := g.apply(upd); err != nil {
		g.logger.Warn("Node update rejected", "error", err)
		g.writeError(w, mapErrorToHTTPStatus(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, g.view())
}

// apply validates every field before changing anything.
func (g *Gateway) apply(upd NodeUpdate) error {
	var (
		health   node.Health
		mode     node.Mode
		interval time.Duration
		err      error
	)
	if upd.ID != nil {
		if id := message.NodeID(*upd.ID); !id.Valid() && !id.IsUnset() {
			return errors.WrapInvalid(fmt.Errorf("%w: node id %d", errors.ErrInvalidParameter, *upd.ID),
				"gateway", "PutNode", "validate id")
		}
	}
	if upd.Health != nil {
		if health, err = node.ParseHealth(*upd.Health); err != nil {
			return errors.WrapInvalid(err, "gateway", "PutNode", "parse health")
		}
	}
	if upd.Mode != nil {
		if mode, err = node.ParseMode(*upd.Mode); err != nil {
			return errors.WrapInvalid(err, "gateway", "PutNode", "parse mode")
		}
	}
	if upd.HeartbeatInterval != nil {
		if interval, err = time.ParseDuration(*upd.HeartbeatInterval); err != nil {
			return errors.WrapInvalid(err, "gateway", "PutNode", "parse heartbeat interval")
		}
	}

	if upd.HeartbeatInterval != nil {
		if err := g.node.SetHeartbeatInterval(interval); err != nil {
			return err
		}
	}
	if upd.ID != nil {
		if err := g.node.SetNodeID(message.NodeID(*upd.ID)); err != nil {
			return err
		}
	}
	if upd.Health != nil {
		if err := g.node.SetHealth(health); err != nil {
			return err
		}
	}
	if upd.Mode != nil {
		if err := g.node.SetMode(mode); err != nil {
			return err
		}
	}
	if upd.HeartbeatEnabled != nil {
		if *upd.HeartbeatEnabled {
			g.node.EnableHeartbeat()
		} else {
			g.node.DisableHeartbeat()
		}
	}
	return nil
}
