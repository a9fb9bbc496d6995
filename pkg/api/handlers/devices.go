package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zigbridge/pkg/api/types"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/registry"
)

// DevicesHandler serves the read-only device list and detail views
// backed directly by the registry (C5) — no controller round-trip,
// since the registry already is the canonical in-memory model.
type DevicesHandler struct {
	reg *registry.Registry
}

// NewDevicesHandler creates a new devices handler.
func NewDevicesHandler(reg *registry.Registry) *DevicesHandler {
	return &DevicesHandler{reg: reg}
}

// ListDevices handles GET /debug/devices.
func (h *DevicesHandler) ListDevices(c *gin.Context) {
	nodes := h.reg.All()
	result := make([]types.DeviceSummary, 0, len(nodes))
	for _, n := range nodes {
		result = append(result, types.DeviceSummary{
			EUI64:        n.EUI64.String(),
			NWK:          uint16(n.NWK),
			State:        n.State.String(),
			Manufacturer: n.Manufacturer,
			Model:        n.Model,
			Friendly:     n.Friendly,
			LQI:          n.LQI,
			RSSI:         n.RSSI,
		})
	}

	c.JSON(http.StatusOK, types.ListDevicesResponse{
		Devices: result,
		Count:   len(result),
	})
}

// GetDevice handles GET /debug/devices/:eui64.
func (h *DevicesHandler) GetDevice(c *gin.Context) {
	eui64, err := ids.ParseEUI64(c.Param("eui64"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid_eui64",
			Message: err.Error(),
		})
		return
	}

	node, ok := h.reg.FindByEUI64(eui64)
	if !ok {
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "not_found",
			Message: "device not found",
		})
		return
	}

	c.JSON(http.StatusOK, types.DeviceDetailResponse{Device: node})
}
