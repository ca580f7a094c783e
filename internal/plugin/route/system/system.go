// Package system serves liveness, readiness and Prometheus metrics.
package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/conversation-service/internal/registry/route"
)

const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

var state atomic.Int32

// MarkReady flips /ready to 200 once StartServer has wired every subsystem.
func MarkReady() {
	state.Store(stateReady)
}

// MarkDraining flips /ready back to 503 so load balancers stop routing new
// requests while in-flight ones finish.
func MarkDraining() {
	state.Store(stateDraining)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "system",
		Order: 0,
		Kind:  registryroute.Management,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			mount(r, deps.Components)
			return nil
		},
	})
}

func mount(r *gin.Engine, components map[string]string) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		switch state.Load() {
		case stateReady:
			c.JSON(http.StatusOK, gin.H{"status": "ready", "components": components})
		case stateDraining:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		}
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
