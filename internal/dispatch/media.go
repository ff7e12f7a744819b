package dispatch

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rzbill/chorus/internal/event"
	"github.com/rzbill/chorus/pkg/log"
)

// VoiceTopic carries voice join and leave notices for the media engine.
const VoiceTopic = "voice.membership"

// VoiceNotice is the JSON body published on VoiceTopic.
type VoiceNotice struct {
	Channel  string `json:"channel"`
	Origin   string `json:"origin"`
	Position uint64 `json:"position"`
	Member   string `json:"member"`
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
	TimeMS   int64  `json:"ts"`
}

// MediaNotifier publishes voice membership changes to a watermill publisher.
type MediaNotifier struct {
	pub   message.Publisher
	topic string
}

func NewMediaNotifier(pub message.Publisher) *MediaNotifier {
	return &MediaNotifier{pub: pub, topic: VoiceTopic}
}

// NewMediaBus returns the in-process pub/sub the media notifier publishes to
// and the media engine subscribes on.
func NewMediaBus(logger log.Logger, buffer int) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(buffer)}, NewWatermillLogger(logger))
}

func (m *MediaNotifier) Name() string { return "media" }

func (m *MediaNotifier) Accepts(ev event.Event) bool {
	mc, ok := ev.Payload.(event.MembershipChange)
	return ok && mc.Voice
}

func (m *MediaNotifier) Notify(ctx context.Context, ev event.Event) error {
	mc := ev.Payload.(event.MembershipChange)
	body, err := json.Marshal(VoiceNotice{
		Channel:  ev.ChannelID,
		Origin:   ev.OriginServer,
		Position: ev.LocalPosition,
		Member:   mc.Member,
		Action:   string(mc.Action),
		Reason:   mc.Reason,
		TimeMS:   ev.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("channel", ev.ChannelID)
	msg.Metadata.Set("position", strconv.FormatUint(ev.LocalPosition, 10))
	msg.SetContext(ctx)
	return m.pub.Publish(m.topic, msg)
}

// watermillLogger adapts log.Logger to watermill's logger interface.
type watermillLogger struct{ l log.Logger }

func NewWatermillLogger(l log.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = log.NewLogger()
	}
	return watermillLogger{l: l.With(log.Component("watermill"))}
}

func fields(f watermill.LogFields) []log.Field {
	out := make([]log.Field, 0, len(f))
	for k, v := range f {
		out = append(out, log.Any(k, v))
	}
	return out
}

func (w watermillLogger) Error(msg string, err error, f watermill.LogFields) {
	w.l.Error(msg, append(fields(f), log.Err(err))...)
}

func (w watermillLogger) Info(msg string, f watermill.LogFields)  { w.l.Info(msg, fields(f)...) }
func (w watermillLogger) Debug(msg string, f watermill.LogFields) { w.l.Debug(msg, fields(f)...) }
func (w watermillLogger) Trace(msg string, f watermill.LogFields) { w.l.Debug(msg, fields(f)...) }

func (w watermillLogger) With(f watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{l: w.l.With(fields(f)...)}
}
