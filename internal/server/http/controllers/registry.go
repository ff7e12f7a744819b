package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/rzbill/chorus/internal/runtime"
	"github.com/rzbill/chorus/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general    *GeneralController
	channels   *ChannelsController
	stream     *StreamController
	federation *FederationController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:    NewGeneralController(rt),
		channels:   NewChannelsController(rt),
		stream:     NewStreamController(rt, logger),
		federation: NewFederationController(rt),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router) {
	r.general.RegisterRoutes(router)
	r.channels.RegisterRoutes(router)
	r.stream.RegisterRoutes(router)
	r.federation.RegisterRoutes(router)
}
