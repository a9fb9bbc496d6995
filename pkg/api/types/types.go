// Package types holds the request/response DTOs for the bridge's
// debug/admin HTTP surface, mirroring the teacher's
// pkg/api/types package shape.
package types

import "zigbridge/pkg/registry"

// --- Request DTOs ---

// PermitJoinRequest is the request body for POST /debug/permit_join.
type PermitJoinRequest struct {
	Seconds uint8 `json:"seconds" binding:"required"`
}

// --- Response DTOs ---

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	RadioState string `json:"radio_state"`
	MQTTState  string `json:"mqtt_state"`
}

// TaskStat is one scheduler task's snapshot, as returned by
// pkg/sched.Scheduler.List.
type TaskStat struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	WakeTick uint32 `json:"wake_tick"`
	RunCount int    `json:"run_count"`
}

// BusStat mirrors pkg/bus.Stats.
type BusStat struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Delivered   uint64 `json:"delivered"`
	QueueDepth  int    `json:"queue_depth"`
	HighWater   int    `json:"high_water"`
	Subscribers int    `json:"subscribers"`
}

// StatsResponse is returned from GET /debug/stats.
type StatsResponse struct {
	UptimeMs      uint64     `json:"uptime_ms"`
	Tasks         []TaskStat `json:"tasks"`
	Bus           BusStat    `json:"bus"`
	NodeCount     int        `json:"node_count"`
	PendingWrites int        `json:"pending_writes"`
	RadioState    string     `json:"radio_state"`
	MQTTState     string     `json:"mqtt_state"`
}

// ListDevicesResponse is returned from GET /debug/devices.
type ListDevicesResponse struct {
	Devices []DeviceSummary `json:"devices"`
	Count   int             `json:"count"`
}

// DeviceSummary is one node's summary in the device list.
type DeviceSummary struct {
	EUI64        string `json:"eui64"`
	NWK          uint16 `json:"nwk"`
	State        string `json:"state"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Friendly     string `json:"friendly,omitempty"`
	LQI          uint8  `json:"lqi"`
	RSSI         int8   `json:"rssi"`
}

// DeviceDetailResponse is returned from GET /debug/devices/:eui64.
type DeviceDetailResponse struct {
	Device *registry.Node `json:"device"`
}

// PermitJoinResponse is returned from POST /debug/permit_join.
type PermitJoinResponse struct {
	Status  string `json:"status"`
	Seconds uint8  `json:"seconds"`
}
