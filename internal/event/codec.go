package event

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rzbill/chorus/pkg/id"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

type wireEvent struct {
	Channel   string          `cbor:"1,keyasint"`
	Origin    string          `cbor:"2,keyasint"`
	Local     uint64          `cbor:"3,keyasint,omitempty"`
	OriginPos uint64          `cbor:"4,keyasint"`
	TimeMS    int64           `cbor:"5,keyasint"`
	Author    string          `cbor:"6,keyasint"`
	Kind      Kind            `cbor:"7,keyasint"`
	Payload   cbor.RawMessage `cbor:"8,keyasint"`
	Signature []byte          `cbor:"9,keyasint,omitempty"`
}

type wireRef struct {
	_        struct{} `cbor:",toarray"`
	Origin   string
	Position uint64
}

func toWireRef(r Ref) *wireRef {
	if r.IsZero() {
		return nil
	}
	return &wireRef{Origin: r.Origin, Position: r.Position}
}

func (w *wireRef) ref() Ref {
	if w == nil {
		return Ref{}
	}
	return Ref{Origin: w.Origin, Position: w.Position}
}

type wireMessage struct {
	ID          []byte   `cbor:"1,keyasint"`
	Content     string   `cbor:"2,keyasint,omitempty"`
	ReplyTo     *wireRef `cbor:"3,keyasint,omitempty"`
	Attachments []string `cbor:"4,keyasint,omitempty"`
}

type wireMembership struct {
	Member string `cbor:"1,keyasint"`
	Action Action `cbor:"2,keyasint"`
	Reason string `cbor:"3,keyasint,omitempty"`
	Voice  bool   `cbor:"4,keyasint,omitempty"`
}

type wireReaction struct {
	Target *wireRef `cbor:"1,keyasint"`
	Emoji  string   `cbor:"2,keyasint"`
	Add    bool     `cbor:"3,keyasint,omitempty"`
}

type wireRedaction struct {
	Target *wireRef `cbor:"1,keyasint"`
	Reason string   `cbor:"2,keyasint,omitempty"`
}

type wirePin struct {
	Target *wireRef `cbor:"1,keyasint"`
	Unpin  bool     `cbor:"2,keyasint,omitempty"`
}

// Encode returns the canonical CBOR form of e.
func Encode(e Event) ([]byte, error) {
	var body any
	switch p := e.Payload.(type) {
	case Message:
		body = wireMessage{ID: p.ID.Bytes(), Content: p.Content, ReplyTo: toWireRef(p.ReplyTo), Attachments: p.Attachments}
	case MembershipChange:
		body = wireMembership(p)
	case Reaction:
		body = wireReaction{Target: toWireRef(p.Target), Emoji: p.Emoji, Add: p.Add}
	case Redaction:
		body = wireRedaction{Target: toWireRef(p.Target), Reason: p.Reason}
	case Pin:
		body = wirePin{Target: toWireRef(p.Target), Unpin: p.Unpin}
	case nil:
		return nil, fmt.Errorf("encode event: nil payload")
	default:
		return nil, fmt.Errorf("encode event: unknown payload %T", p)
	}
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var ms int64
	if !e.Timestamp.IsZero() {
		ms = e.Timestamp.UnixMilli()
	}
	return encMode.Marshal(wireEvent{
		Channel:   e.ChannelID,
		Origin:    e.OriginServer,
		Local:     e.LocalPosition,
		OriginPos: e.OriginPosition,
		TimeMS:    ms,
		Author:    e.Author,
		Kind:      e.Payload.Kind(),
		Payload:   raw,
		Signature: e.Signature,
	})
}

// Decode parses the output of Encode.
func Decode(b []byte) (Event, error) {
	var w wireEvent
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	var p Payload
	switch w.Kind {
	case KindMessage:
		var m wireMessage
		if err := decMode.Unmarshal(w.Payload, &m); err != nil {
			return Event{}, fmt.Errorf("decode message: %w", err)
		}
		if len(m.ID) != len(id.ID{}) {
			return Event{}, fmt.Errorf("decode message: id has %d bytes", len(m.ID))
		}
		msg := Message{Content: m.Content, ReplyTo: m.ReplyTo.ref(), Attachments: m.Attachments}
		copy(msg.ID[:], m.ID)
		p = msg
	case KindMembership:
		var m wireMembership
		if err := decMode.Unmarshal(w.Payload, &m); err != nil {
			return Event{}, fmt.Errorf("decode membership: %w", err)
		}
		p = MembershipChange(m)
	case KindReaction:
		var r wireReaction
		if err := decMode.Unmarshal(w.Payload, &r); err != nil {
			return Event{}, fmt.Errorf("decode reaction: %w", err)
		}
		p = Reaction{Target: r.Target.ref(), Emoji: r.Emoji, Add: r.Add}
	case KindRedaction:
		var r wireRedaction
		if err := decMode.Unmarshal(w.Payload, &r); err != nil {
			return Event{}, fmt.Errorf("decode redaction: %w", err)
		}
		p = Redaction{Target: r.Target.ref(), Reason: r.Reason}
	case KindPin:
		var pn wirePin
		if err := decMode.Unmarshal(w.Payload, &pn); err != nil {
			return Event{}, fmt.Errorf("decode pin: %w", err)
		}
		p = Pin{Target: pn.Target.ref(), Unpin: pn.Unpin}
	default:
		return Event{}, fmt.Errorf("decode event: unknown kind %q", w.Kind)
	}
	e := Event{
		ChannelID:      w.Channel,
		OriginServer:   w.Origin,
		LocalPosition:  w.Local,
		OriginPosition: w.OriginPos,
		Author:         w.Author,
		Payload:        p,
		Signature:      w.Signature,
	}
	if w.TimeMS != 0 {
		e.Timestamp = time.UnixMilli(w.TimeMS).UTC()
	}
	return e, nil
}

// SigningBytes is the byte string signatures cover: the canonical encoding
// with LocalPosition zeroed and no signature, so every server that stores the
// event at a different local position verifies the same bytes.
func SigningBytes(e Event) ([]byte, error) {
	e.LocalPosition = 0
	e.Signature = nil
	return Encode(e)
}
