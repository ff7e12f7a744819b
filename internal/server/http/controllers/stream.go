package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/runtime"
	"github.com/rzbill/chorus/internal/subscription"
	"github.com/rzbill/chorus/pkg/id"
	"github.com/rzbill/chorus/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

// frameSink writes stream frames to one client transport.
type frameSink interface {
	Send(f streamFrame) error
	Flush() error
}

// StreamController serves live channel subscriptions over websocket and SSE.
//
// A subscription replays everything after ?cursor= at the pace the client
// reads it and then follows the channel. A live subscriber that falls a
// whole queue behind is dropped: it receives a "dropped" frame carrying the
// position to resume from.
type StreamController struct {
	rt       *runtime.Runtime
	logger   log.Logger
	ids      *id.Generator
	upgrader websocket.Upgrader
}

// NewStreamController creates a new stream controller.
func NewStreamController(rt *runtime.Runtime, logger log.Logger) *StreamController {
	return &StreamController{
		rt:     rt,
		logger: logger.With(log.Component("stream")),
		ids:    id.NewGenerator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the streaming routes with the given router.
func (c *StreamController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/channels/{id}/stream", c.handleWebsocket)
	r.Get("/v1/channels/{id}/sse", c.handleSSE)
}

// subscribeParams validates the request before any upgrade so errors can
// still be reported as plain HTTP responses.
func (c *StreamController) subscribeParams(w http.ResponseWriter, r *http.Request) (string, uint64, subscription.Filter, bool) {
	channel := chi.URLParam(r, "id")
	cursor, err := parsePosition(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cursor")
		return "", 0, subscription.Filter{}, false
	}
	filter, err := subscription.CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter: "+err.Error())
		return "", 0, subscription.Filter{}, false
	}
	if _, err := c.rt.Log().Channel(r.Context(), channel); err != nil {
		writeFailure(w, err)
		return "", 0, subscription.Filter{}, false
	}
	return channel, cursor, filter, true
}

func (c *StreamController) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	channel, cursor, filter, ok := c.subscribeParams(w, r)
	if !ok {
		return
	}
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sink := &wsSink{ws: ws}

	// Reader: handles pongs and notices the client going away.
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	reason := c.pump(ctx, sink, channel, cursor, filter)
	code := websocket.CloseNormalClosure
	if errors.Is(reason, errs.ErrFull) {
		code = websocket.CloseTryAgainLater
	} else if reason != nil && !errors.Is(reason, errs.ErrClosed) && !errors.Is(reason, context.Canceled) {
		code = websocket.CloseInternalServerErr
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), time.Now().Add(writeWait))
}

// pump subscribes a new connection and forwards its events to sink until
// the client leaves or the connection is dropped. It returns why it ended.
func (c *StreamController) pump(ctx context.Context, sink frameSink, channel string, cursor uint64, filter subscription.Filter) error {
	conn := subscription.NewConn(c.ids.Next().String(), c.rt.Config().Subscriptions.QueueSize, filter)
	reg := c.rt.Registry()

	// Replay waits for this loop to read, so it runs alongside it.
	subCtx, stopSub := context.WithCancel(ctx)
	subscribed := make(chan error, 1)
	go func() { subscribed <- reg.Subscribe(subCtx, conn, channel, cursor) }()
	defer func() {
		stopSub()
		conn.Close()
		if subscribed != nil {
			<-subscribed
		}
		reg.Drop(conn.Handle())
	}()

	logger := c.logger.WithContext(ctx).With(log.Channel(channel), log.Str("conn", conn.ID()))
	logger.Debug("stream opened", log.Uint64("cursor", cursor))

	sent := cursor
	// drain forwards everything queued without waiting.
	drain := func() error {
		for {
			select {
			case ev := <-conn.Events():
				if err := sink.Send(streamFrame{Type: "event", Event: newEventJSON(ev)}); err != nil {
					return err
				}
				sent = ev.LocalPosition
			default:
				return nil
			}
		}
	}
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-subscribed:
			subscribed = nil
			if err != nil && !errors.Is(err, errs.ErrFull) {
				_ = sink.Send(streamFrame{Type: "error", Reason: err.Error()})
				return err
			}
			logger.Debug("stream live")
		case <-conn.Done():
			// Events queued before the drop are still in order and valid.
			if err := drain(); err != nil {
				return err
			}
			reason := conn.Err()
			logger.Info("stream dropped", log.Err(reason), log.Uint64("resume", sent))
			_ = sink.Send(streamFrame{Type: "dropped", Reason: reason.Error(), Resume: sent})
			_ = sink.Flush()
			return reason
		case ev := <-conn.Events():
			if err := sink.Send(streamFrame{Type: "event", Event: newEventJSON(ev)}); err != nil {
				return err
			}
			sent = ev.LocalPosition
			if err := drain(); err != nil {
				return err
			}
			if err := sink.Flush(); err != nil {
				return err
			}
		case <-ping.C:
			if p, ok := sink.(pinger); ok {
				if err := p.Ping(); err != nil {
					return err
				}
			}
		}
	}
}

type pinger interface{ Ping() error }

type wsSink struct {
	ws *websocket.Conn
}

func (s *wsSink) Send(f streamFrame) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteJSON(f)
}

func (s *wsSink) Flush() error { return nil }

func (s *wsSink) Ping() error {
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
