// Package registry is C5: the canonical device model. It owns a
// fixed-capacity table of Node slots (eui64/nwk/endpoint/cluster/
// attribute graph) with an explicit add/find/remove lifecycle and no
// hidden GC, grounded on the teacher's device.Device/DeviceState shape
// generalized from a flat key/value state map into the full node graph
// spec.md §3 describes.
package registry

import "zigbridge/pkg/ids"

// NodeState is a node's lifecycle stage.
type NodeState int

const (
	StateNew NodeState = iota
	StateInterviewing
	StateReady
	StateStale
	StateLeft
)

func (s NodeState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInterviewing:
		return "interviewing"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Direction is a cluster's role on an endpoint.
type Direction int

const (
	DirectionServer Direction = iota
	DirectionClient
)

// Attribute is a single ZCL attribute value, carried as the raw
// type+bytes pair the radio layer already produces (radio.Report),
// rather than a separate tagged-union type — the wire representation
// already is the tagged union the spec calls for.
type Attribute struct {
	ID          uint16   `json:"id"`
	ValType     uint8    `json:"val_type"`
	Value       []byte   `json:"value"`
	LastUpdated ids.Tick `json:"last_updated"`
}

// Cluster is a ZCL functional grouping on an endpoint.
type Cluster struct {
	ID         uint16      `json:"id"`
	Direction  Direction   `json:"direction"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Endpoint is an application object on a node.
type Endpoint struct {
	ID       uint8     `json:"id"`
	Profile  uint16    `json:"profile"`
	Device   uint16    `json:"device"`
	Clusters []Cluster `json:"clusters,omitempty"`
}

// Node is the canonical per-device record (spec.md §3). Identity is EUI64.
type Node struct {
	EUI64          ids.EUI64  `json:"eui64"`
	NWK            ids.NWK    `json:"nwk"`
	State          NodeState  `json:"state"`
	Manufacturer   string     `json:"manufacturer"`
	Model          string     `json:"model"`
	Friendly       string     `json:"friendly"`
	SWBuild        string     `json:"sw_build"`
	LQI            uint8      `json:"lqi"`
	RSSI           int8       `json:"rssi"`
	PowerSource    uint8      `json:"power_source"`
	Endpoints      []Endpoint `json:"endpoints"`
	JoinTick       ids.Tick   `json:"join_tick"`
	LastSeen       ids.Tick   `json:"last_seen"`
	InterviewStage int        `json:"interview_stage"`
}

// FindEndpoint returns the endpoint with the given id, if present.
func (n *Node) FindEndpoint(id uint8) (*Endpoint, bool) {
	for i := range n.Endpoints {
		if n.Endpoints[i].ID == id {
			return &n.Endpoints[i], true
		}
	}
	return nil, false
}

// FindCluster returns the cluster with the given id on ep, if present.
func (e *Endpoint) FindCluster(id uint16) (*Cluster, bool) {
	for i := range e.Clusters {
		if e.Clusters[i].ID == id {
			return &e.Clusters[i], true
		}
	}
	return nil, false
}

// UpsertAttribute inserts or updates an attribute on the cluster.
func (c *Cluster) UpsertAttribute(id uint16, valType uint8, value []byte, now ids.Tick) {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			c.Attributes[i].ValType = valType
			c.Attributes[i].Value = value
			c.Attributes[i].LastUpdated = now
			return
		}
	}
	c.Attributes = append(c.Attributes, Attribute{ID: id, ValType: valType, Value: value, LastUpdated: now})
}
