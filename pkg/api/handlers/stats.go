package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zigbridge/pkg/api/types"
	"zigbridge/pkg/bus"
	"zigbridge/pkg/radio"
	"zigbridge/pkg/registry"
	"zigbridge/pkg/sched"
)

// StatsHandler reports scheduler, bus and persistence counters — the
// HTTP equivalent of the original firmware's `stats`/`ps`/`sched`
// shell commands.
type StatsHandler struct {
	sched         *sched.Scheduler
	bus           *bus.Bus
	reg           *registry.Registry
	radio         *radio.Adapter
	pendingWrites func() int
	mqttState     func() string
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(s *sched.Scheduler, b *bus.Bus, reg *registry.Registry, r *radio.Adapter, pendingWrites func() int, mqttState func() string) *StatsHandler {
	return &StatsHandler{sched: s, bus: b, reg: reg, radio: r, pendingWrites: pendingWrites, mqttState: mqttState}
}

// Stats handles GET /debug/stats.
func (h *StatsHandler) Stats(c *gin.Context) {
	busStats := h.bus.Stats()

	taskInfos := h.sched.List()
	tasks := make([]types.TaskStat, 0, len(taskInfos))
	for _, t := range taskInfos {
		tasks = append(tasks, types.TaskStat{
			Name:     t.Name,
			State:    t.State.String(),
			WakeTick: uint32(t.WakeTick),
			RunCount: t.RunCount,
		})
	}

	c.JSON(http.StatusOK, types.StatsResponse{
		UptimeMs: h.sched.UptimeMs(),
		Tasks:    tasks,
		Bus: types.BusStat{
			Published:   busStats.Published,
			Dropped:     busStats.Dropped,
			Delivered:   busStats.Delivered,
			QueueDepth:  busStats.QueueDepth,
			HighWater:   busStats.HighWater,
			Subscribers: busStats.Subscribers,
		},
		NodeCount:     h.reg.Len(),
		PendingWrites: h.pendingWrites(),
		RadioState:    h.radio.State().String(),
		MQTTState:     h.mqttState(),
	})
}

// PermitJoinHandler opens the join window on demand.
type PermitJoinHandler struct {
	radio *radio.Adapter
}

// NewPermitJoinHandler creates a new permit-join handler.
func NewPermitJoinHandler(r *radio.Adapter) *PermitJoinHandler {
	return &PermitJoinHandler{radio: r}
}

// PermitJoin handles POST /debug/permit_join.
func (h *PermitJoinHandler) PermitJoin(c *gin.Context) {
	var req types.PermitJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid_request",
			Message: "seconds is required",
		})
		return
	}

	if err := h.radio.SetPermitJoin(c.Request.Context(), req.Seconds); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "radio_error",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, types.PermitJoinResponse{
		Status:  "ok",
		Seconds: req.Seconds,
	})
}
