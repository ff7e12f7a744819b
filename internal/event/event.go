// Package event defines the immutable channel event and its closed set of
// payload variants, plus the deterministic encoding used for storage,
// federation and signatures.
package event

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rzbill/chorus/internal/errs"
	"github.com/rzbill/chorus/pkg/id"
)

// Kind tags a payload variant.
type Kind string

const (
	KindMessage    Kind = "message"
	KindMembership Kind = "membership"
	KindReaction   Kind = "reaction"
	KindRedaction  Kind = "redaction"
	KindPin        Kind = "pin"
)

// Event is one committed entry of a channel's history.
//
// LocalPosition is assigned by this server's log and is gapless per channel.
// OriginPosition is assigned by OriginServer and is strictly increasing per
// (ChannelID, OriginServer).
type Event struct {
	ChannelID      string
	OriginServer   string
	LocalPosition  uint64
	OriginPosition uint64
	Timestamp      time.Time
	Author         string
	Payload        Payload
	Signature      []byte
}

// Ref names an event by where it was authored. Local positions differ from
// server to server; (Origin, Position) is the same everywhere the event is
// stored.
type Ref struct {
	Origin   string
	Position uint64
}

// IsZero reports whether r names no event.
func (r Ref) IsZero() bool { return r.Origin == "" && r.Position == 0 }

func (r Ref) String() string { return fmt.Sprintf("%s/%d", r.Origin, r.Position) }

func (r Ref) valid() bool { return r.Origin != "" && r.Position > 0 }

// Ref returns the federation-wide reference to e.
func (e Event) Ref() Ref { return Ref{Origin: e.OriginServer, Position: e.OriginPosition} }

// Payload is implemented only by the variants in this package.
type Payload interface {
	Kind() Kind
	validate(author string) error
	sealed()
}

// Message is a chat message.
type Message struct {
	ID          id.ID
	Content     string
	ReplyTo     Ref
	Attachments []string
}

// Action is what a membership change does.
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
	ActionKick  Action = "kick"
	ActionBan   Action = "ban"
)

// MembershipChange adds or removes Member from a channel, or from its voice
// session when Voice is set.
type MembershipChange struct {
	Member string
	Action Action
	Reason string
	Voice  bool
}

// Reaction adds or removes an emoji on the message Target.
type Reaction struct {
	Target Ref
	Emoji  string
	Add    bool
}

// Redaction tombstones Target. The target event stays in the log.
type Redaction struct {
	Target Ref
	Reason string
}

// Pin pins the message Target to its channel, or unpins it.
type Pin struct {
	Target Ref
	Unpin  bool
}

func (Message) Kind() Kind          { return KindMessage }
func (MembershipChange) Kind() Kind { return KindMembership }
func (Reaction) Kind() Kind         { return KindReaction }
func (Redaction) Kind() Kind        { return KindRedaction }
func (Pin) Kind() Kind              { return KindPin }

func (Message) sealed()          {}
func (MembershipChange) sealed() {}
func (Reaction) sealed()         {}
func (Redaction) sealed()        {}
func (Pin) sealed()              {}

// Target returns the event p refers to, if any: the target of a reaction,
// redaction or pin, or the message a reply answers.
func Target(p Payload) (Ref, bool) {
	switch v := p.(type) {
	case Message:
		return v.ReplyTo, !v.ReplyTo.IsZero()
	case Reaction:
		return v.Target, true
	case Redaction:
		return v.Target, true
	case Pin:
		return v.Target, true
	}
	return Ref{}, false
}

func (m Message) validate(string) error {
	if m.Content == "" && len(m.Attachments) == 0 {
		return fmt.Errorf("message has no content")
	}
	if !m.ReplyTo.IsZero() && !m.ReplyTo.valid() {
		return fmt.Errorf("reply target %s is incomplete", m.ReplyTo)
	}
	return nil
}

func (m MembershipChange) validate(author string) error {
	if m.Member == "" {
		return fmt.Errorf("membership change has no member")
	}
	switch m.Action {
	case ActionJoin, ActionLeave, ActionBan:
	case ActionKick:
		if m.Member == author {
			return fmt.Errorf("cannot kick yourself")
		}
	default:
		return fmt.Errorf("unknown membership action %q", m.Action)
	}
	return nil
}

func (r Reaction) validate(string) error {
	if !r.Target.valid() || r.Emoji == "" {
		return fmt.Errorf("reaction needs a target and an emoji")
	}
	return nil
}

func (r Redaction) validate(string) error {
	if !r.Target.valid() {
		return fmt.Errorf("redaction needs a target")
	}
	return nil
}

func (p Pin) validate(string) error {
	if !p.Target.valid() {
		return fmt.Errorf("pin needs a target")
	}
	return nil
}

// ValidatePayload checks p as authored by author, before positions exist.
func ValidatePayload(author string, p Payload) error {
	if author == "" {
		return errs.WrapInvalid(fmt.Errorf("%w: empty author", errs.ErrInvalidEvent), "event", "validate")
	}
	if p == nil {
		return errs.WrapInvalid(fmt.Errorf("%w: nil payload", errs.ErrInvalidEvent), "event", "validate")
	}
	if err := p.validate(author); err != nil {
		return errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrInvalidEvent, err), "event", "validate")
	}
	return nil
}

// Validate checks a fully formed event, e.g. one received from a peer.
func (e Event) Validate() error {
	switch {
	case e.ChannelID == "":
		return errs.WrapInvalid(fmt.Errorf("%w: empty channel", errs.ErrInvalidEvent), "event", "validate")
	case e.OriginServer == "":
		return errs.WrapInvalid(fmt.Errorf("%w: empty origin", errs.ErrInvalidEvent), "event", "validate")
	case e.OriginPosition == 0:
		return errs.WrapInvalid(fmt.Errorf("%w: zero origin position", errs.ErrInvalidEvent), "event", "validate")
	}
	return ValidatePayload(e.Author, e.Payload)
}

// Equal reports whether a and b carry the same content, signature included.
func Equal(a, b Event) bool {
	ea, err1 := Encode(a)
	eb, err2 := Encode(b)
	return err1 == nil && err2 == nil && bytes.Equal(ea, eb)
}
