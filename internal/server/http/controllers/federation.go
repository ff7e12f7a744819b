package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/chorus/internal/federation"
	"github.com/rzbill/chorus/internal/runtime"
)

// FederationController exposes peer status and verification key management.
type FederationController struct {
	rt *runtime.Runtime
}

// NewFederationController creates a new federation controller.
func NewFederationController(rt *runtime.Runtime) *FederationController {
	return &FederationController{rt: rt}
}

// RegisterRoutes registers federation routes with the given router.
func (c *FederationController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/federation/peers", c.handlePeers)
	r.Get("/v1/federation/key", c.handleOwnKey)
	r.Post("/v1/federation/keys", c.handleTrust)
	r.Delete("/v1/federation/keys/{server}", c.handleRevoke)
}

// handlePeers returns a status snapshot of every configured peer.
func (c *FederationController) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"peers": c.rt.Gateway().Peers()})
}

// handleOwnKey returns this server's public verification key.
func (c *FederationController) handleOwnKey(w http.ResponseWriter, r *http.Request) {
	s := c.rt.Signer()
	writeJSON(w, map[string]string{"server": s.Server(), "publicKey": federation.EncodePublicKey(s.PublicKey())})
}

// handleTrust pins a peer's key. A server's key cannot be replaced once
// trusted.
func (c *FederationController) handleTrust(w http.ResponseWriter, r *http.Request) {
	var req trustKeyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Server == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pub, err := federation.ParsePublicKey(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid public key")
		return
	}
	if err := c.rt.KeyStore().Trust(r.Context(), req.Server, pub); err != nil {
		writeFailure(w, err)
		return
	}
	writeNoContent(w)
}

func (c *FederationController) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.KeyStore().Revoke(r.Context(), chi.URLParam(r, "server")); err != nil {
		writeFailure(w, err)
		return
	}
	writeNoContent(w)
}
