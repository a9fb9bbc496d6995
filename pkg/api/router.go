// Package api is the bridge's optional debug/admin HTTP surface
// (spec §5's read-mostly replacement for the original firmware's
// interactive shell), grounded on the teacher's gin-based
// pkg/api/router.go wiring, minus the swagger doc generation and the
// general device-management CRUD surface this bridge explicitly
// doesn't reintroduce (SPEC_FULL.md §6).
package api

import (
	"github.com/gin-gonic/gin"

	"zigbridge/pkg/api/handlers"
	"zigbridge/pkg/bridge"
)

// Router holds the Gin engine and its handler dependencies.
type Router struct {
	engine *gin.Engine
}

// NewRouter creates a new debug/admin API router bound to a running
// Bridge.
func NewRouter(br *bridge.Bridge) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	SetupMiddleware(engine)

	router := &Router{engine: engine}
	router.setupRoutes(br)
	return router
}

func (r *Router) setupRoutes(br *bridge.Bridge) {
	healthHandler := handlers.NewHealthHandler(br.Radio, br.MQTT)
	r.engine.GET("/health", healthHandler.Health)

	devicesHandler := handlers.NewDevicesHandler(br.Registry)
	statsHandler := handlers.NewStatsHandler(br.Scheduler(), br.Bus(), br.Registry, br.Radio,
		br.PersistPendingWrites, func() string { return br.MQTT.State().String() })
	permitJoinHandler := handlers.NewPermitJoinHandler(br.Radio)

	debug := r.engine.Group("/debug")
	{
		debug.GET("/stats", statsHandler.Stats)
		debug.GET("/devices", devicesHandler.ListDevices)
		debug.GET("/devices/:eui64", devicesHandler.GetDevice)
		debug.POST("/permit_join", permitJoinHandler.PermitJoin)
	}
}

// Run starts the HTTP server.
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}
