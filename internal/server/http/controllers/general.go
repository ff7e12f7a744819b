package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/chorus/internal/runtime"
)

// GeneralController handles health and metrics endpoints.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given router.
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/healthz", c.handleHealth)
	r.Method(http.MethodGet, "/metrics", c.rt.Metrics().Handler())
	r.Post("/v1/storage/verify", c.handleVerify)
}

// handleVerify runs the storage integrity check now and returns one report
// per channel.
func (c *GeneralController) handleVerify(w http.ResponseWriter, r *http.Request) {
	reps, err := c.rt.VerifyStorage(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, map[string]any{"channels": reps})
}

// handleHealth returns the health status of the service.
//
// Returns 200 OK with {"status": "ok"} if healthy, 503 Service Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "server": c.rt.Config().Server.Name})
}
