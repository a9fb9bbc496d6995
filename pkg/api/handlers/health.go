package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zigbridge/pkg/api/types"
	"zigbridge/pkg/mqtt"
	"zigbridge/pkg/radio"
)

// HealthHandler reports the radio and MQTT adapters' liveness.
type HealthHandler struct {
	radio *radio.Adapter
	mqtt  *mqtt.Adapter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(r *radio.Adapter, m *mqtt.Adapter) *HealthHandler {
	return &HealthHandler{radio: r, mqtt: m}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	radioState := h.radio.State()
	mqttState := h.mqtt.State()

	status := "healthy"
	httpStatus := http.StatusOK
	if radioState != radio.Ready || mqttState != mqtt.StateConnected {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, types.HealthResponse{
		Status:     status,
		RadioState: radioState.String(),
		MQTTState:  mqttState.String(),
	})
}
