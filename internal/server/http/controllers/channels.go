package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/internal/runtime"
	"github.com/rzbill/chorus/pkg/id"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxHistoryWait      = 30 * time.Second
)

// ChannelsController handles channel management, commits and history.
type ChannelsController struct {
	rt *runtime.Runtime
}

// NewChannelsController creates a new channels controller.
func NewChannelsController(rt *runtime.Runtime) *ChannelsController {
	return &ChannelsController{rt: rt}
}

// RegisterRoutes registers all channel routes with the given router.
func (c *ChannelsController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/channels", c.handleList)
	r.Post("/v1/channels", c.handleCreate)
	r.Get("/v1/channels/{id}", c.handleGet)
	r.Post("/v1/channels/{id}/events", c.handleCommit)
	r.Get("/v1/channels/{id}/events", c.handleHistory)
	r.Get("/v1/channels/{id}/messages/{msgID}", c.handleMessage)
	r.Get("/v1/channels/{id}/pins", c.handlePins)
	r.Post("/v1/channels/{id}/peers", c.handleSharePeer)
	r.Delete("/v1/channels/{id}/peers/{peer}", c.handleUnsharePeer)
}

// handleList lists channels, optionally filtered by ?community=.
func (c *ChannelsController) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := c.rt.Log().Channels(r.Context(), r.URL.Query().Get("community"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]channelJSON, 0, len(list))
	for _, ch := range list {
		out = append(out, channelJSON{Channel: ch, Head: ch.Head})
	}
	writeJSON(w, map[string]any{"channels": out})
}

// handleCreate creates a channel. Creating an existing channel returns it
// unchanged.
func (c *ChannelsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createChannelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ch, err := c.rt.CreateChannel(r.Context(), eventlog.Channel{
		ID:          req.ID,
		CommunityID: req.CommunityID,
		Config:      req.Config,
		Peers:       req.Peers,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeCreated(w, channelJSON{Channel: ch, Head: ch.Head})
}

func (c *ChannelsController) handleGet(w http.ResponseWriter, r *http.Request) {
	ch, err := c.rt.Log().Channel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, channelJSON{Channel: ch, Head: ch.Head})
}

// handleCommit appends a locally authored event and returns it with its
// assigned positions.
func (c *ChannelsController) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	payload, err := decodePayload(req.Kind, req.Payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	ev, err := c.rt.Coordinator().Commit(r.Context(), chi.URLParam(r, "id"), req.Author, payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeCreated(w, newEventJSON(ev))
}

// handleHistory returns events with from <= position <= to, at most limit of
// them. With ?wait=<duration> and nothing to return, it long-polls for the
// next append.
func (c *ChannelsController) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	from, err := parsePosition(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from")
		return
	}
	to, err := parsePosition(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to")
		return
	}
	var wait time.Duration
	if s := q.Get("wait"); s != "" {
		if wait, err = time.ParseDuration(s); err != nil || wait < 0 {
			writeError(w, http.StatusBadRequest, "Invalid wait")
			return
		}
		wait = min(wait, maxHistoryWait)
	}
	limit := parseLimit(q.Get("limit"), defaultHistoryLimit, maxHistoryLimit)
	if _, err := c.rt.Log().Channel(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}

	evs, next, err := c.read(r, id, from, to, limit)
	if err == nil && len(evs) == 0 && wait > 0 && c.rt.Log().WaitForAppend(r.Context(), id, max(from, 1)-1, wait) {
		evs, next, err = c.read(r, id, from, to, limit)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]*eventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, newEventJSON(ev))
	}
	resp := map[string]any{"channel": id, "events": out}
	if next > 0 {
		resp["next"] = next
	}
	writeJSON(w, resp)
}

// read collects up to limit events. next is the position to continue from
// when the limit cut the range short, zero otherwise.
func (c *ChannelsController) read(r *http.Request, id string, from, to uint64, limit int) ([]event.Event, uint64, error) {
	cur := c.rt.Log().ReadRange(r.Context(), id, from, to)
	defer cur.Close()
	var out []event.Event
	for cur.Next() {
		if len(out) == limit {
			return out, out[len(out)-1].LocalPosition + 1, nil
		}
		out = append(out, cur.Event())
	}
	return out, 0, cur.Err()
}

// handleMessage looks a message up by the id it was committed with.
func (c *ChannelsController) handleMessage(w http.ResponseWriter, r *http.Request) {
	msgID, err := id.Parse(chi.URLParam(r, "msgID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	ev, err := c.rt.Log().MessageByID(r.Context(), chi.URLParam(r, "id"), msgID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, newEventJSON(ev))
}

func (c *ChannelsController) handlePins(w http.ResponseWriter, r *http.Request) {
	chID := chi.URLParam(r, "id")
	evs, err := c.rt.Log().Pinned(r.Context(), chID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]*eventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, newEventJSON(ev))
	}
	writeJSON(w, map[string]any{"channel": chID, "pins": out})
}

// handleSharePeer declares that a configured peer server shares the channel.
func (c *ChannelsController) handleSharePeer(w http.ResponseWriter, r *http.Request) {
	var req sharePeerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Peer == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := c.rt.SharePeer(r.Context(), chi.URLParam(r, "id"), req.Peer); err != nil {
		writeFailure(w, err)
		return
	}
	writeNoContent(w)
}

func (c *ChannelsController) handleUnsharePeer(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.UnsharePeer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "peer")); err != nil {
		writeFailure(w, err)
		return
	}
	writeNoContent(w)
}
