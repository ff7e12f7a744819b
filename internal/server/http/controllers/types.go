package controllers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/internal/eventlog"
	"github.com/rzbill/chorus/pkg/id"
)

// Common request/response types for HTTP controllers

// createChannelReq represents a request to create a channel.
type createChannelReq struct {
	ID          string            `json:"id"`
	CommunityID string            `json:"communityId"`
	Config      map[string]string `json:"config"`
	Peers       []string          `json:"peers"`
}

// commitReq represents a locally authored event. Payload is decoded
// according to Kind.
type commitReq struct {
	Author  string          `json:"author"`
	Kind    event.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// sharePeerReq declares that a peer server shares a channel.
type sharePeerReq struct {
	Peer string `json:"peer"`
}

// trustKeyReq pins a peer's verification key.
type trustKeyReq struct {
	Server    string `json:"server"`
	PublicKey string `json:"publicKey"`
}

// refJSON names an event by origin server and origin position, which is
// how every server that stores the event can find it.
type refJSON struct {
	Origin   string `json:"origin"`
	Position uint64 `json:"position"`
}

func (r *refJSON) ref() event.Ref {
	if r == nil {
		return event.Ref{}
	}
	return event.Ref{Origin: r.Origin, Position: r.Position}
}

func newRefJSON(r event.Ref) *refJSON {
	if r.IsZero() {
		return nil
	}
	return &refJSON{Origin: r.Origin, Position: r.Position}
}

type messageJSON struct {
	ID          string   `json:"id,omitempty"`
	Content     string   `json:"content"`
	ReplyTo     *refJSON `json:"replyTo,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type membershipJSON struct {
	Member string `json:"member"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Voice  bool   `json:"voice,omitempty"`
}

// reactionJSON adds a reaction unless Remove is set.
type reactionJSON struct {
	Target *refJSON `json:"target"`
	Emoji  string   `json:"emoji"`
	Remove bool     `json:"remove,omitempty"`
}

type redactionJSON struct {
	Target *refJSON `json:"target"`
	Reason string   `json:"reason,omitempty"`
}

type pinJSON struct {
	Target *refJSON `json:"target"`
	Unpin  bool     `json:"unpin,omitempty"`
}

// eventJSON is the client-facing shape of an event.
type eventJSON struct {
	Channel        string     `json:"channel"`
	Origin         string     `json:"origin"`
	Position       uint64     `json:"position"`
	OriginPosition uint64     `json:"originPosition"`
	Timestamp      time.Time  `json:"ts"`
	Author         string     `json:"author"`
	Kind           event.Kind `json:"kind"`
	Payload        any        `json:"payload"`
	Signature      string     `json:"signature,omitempty"`
}

// channelJSON is a channel with its current head.
type channelJSON struct {
	eventlog.Channel
	Head uint64 `json:"head"`
}

// streamFrame is one websocket or SSE frame.
type streamFrame struct {
	Type  string     `json:"type"`
	Event *eventJSON `json:"event,omitempty"`
	// Reason and Resume are set on "dropped" frames. The client reconnects
	// with cursor=Resume.
	Reason string `json:"reason,omitempty"`
	Resume uint64 `json:"resume,omitempty"`
}

func decodePayload(kind event.Kind, raw json.RawMessage) (event.Payload, error) {
	if len(raw) == 0 {
		return nil, invalid(fmt.Errorf("missing payload"))
	}
	switch kind {
	case event.KindMessage:
		var m messageJSON
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid(err)
		}
		msg := event.Message{Content: m.Content, ReplyTo: m.ReplyTo.ref(), Attachments: m.Attachments}
		if m.ID != "" {
			parsed, err := id.Parse(m.ID)
			if err != nil {
				return nil, invalid(err)
			}
			msg.ID = parsed
		}
		return msg, nil
	case event.KindMembership:
		var m membershipJSON
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid(err)
		}
		return event.MembershipChange{Member: m.Member, Action: event.Action(m.Action), Reason: m.Reason, Voice: m.Voice}, nil
	case event.KindReaction:
		var r reactionJSON
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, invalid(err)
		}
		return event.Reaction{Target: r.Target.ref(), Emoji: r.Emoji, Add: !r.Remove}, nil
	case event.KindRedaction:
		var r redactionJSON
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, invalid(err)
		}
		return event.Redaction{Target: r.Target.ref(), Reason: r.Reason}, nil
	case event.KindPin:
		var r pinJSON
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, invalid(err)
		}
		return event.Pin{Target: r.Target.ref(), Unpin: r.Unpin}, nil
	}
	return nil, invalid(fmt.Errorf("unknown kind %q", kind))
}

func invalid(err error) error {
	return errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrInvalidEvent, err), "http", "decode")
}

func payloadJSON(p event.Payload) any {
	switch v := p.(type) {
	case event.Message:
		return messageJSON{ID: v.ID.String(), Content: v.Content, ReplyTo: newRefJSON(v.ReplyTo), Attachments: v.Attachments}
	case event.MembershipChange:
		return membershipJSON{Member: v.Member, Action: string(v.Action), Reason: v.Reason, Voice: v.Voice}
	case event.Reaction:
		return reactionJSON{Target: newRefJSON(v.Target), Emoji: v.Emoji, Remove: !v.Add}
	case event.Redaction:
		return redactionJSON{Target: newRefJSON(v.Target), Reason: v.Reason}
	case event.Pin:
		return pinJSON{Target: newRefJSON(v.Target), Unpin: v.Unpin}
	}
	return nil
}

func newEventJSON(ev event.Event) *eventJSON {
	out := &eventJSON{
		Channel:        ev.ChannelID,
		Origin:         ev.OriginServer,
		Position:       ev.LocalPosition,
		OriginPosition: ev.OriginPosition,
		Timestamp:      ev.Timestamp,
		Author:         ev.Author,
		Payload:        payloadJSON(ev.Payload),
	}
	if ev.Payload != nil {
		out.Kind = ev.Payload.Kind()
	}
	if len(ev.Signature) > 0 {
		out.Signature = base64.StdEncoding.EncodeToString(ev.Signature)
	}
	return out
}
