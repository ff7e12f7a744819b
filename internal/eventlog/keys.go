package eventlog

import (
	"encoding/binary"
	"fmt"
	"regexp"
)

// Keyspace helpers.
//
// Layout (byte-wise, lexicographically sortable):
// - ch/{channel}/m                         (head position)
// - ch/{channel}/e/{pos_be8}               (events)
// - ch/{channel}/o/{origin}/{opos_be8}     (origin index -> local position)
// - ch/{channel}/i/{message_id}            (message id -> local position)
// - ch/{channel}/p/{origin}/{opos_be8}     (pinned target -> pin event position)
// - chmeta/{channel}                       (channel metadata)

var (
	sep          = byte('/')
	chPrefix     = []byte("ch/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
	originSeg    = []byte("/o/")
	idSeg        = []byte("/i/")
	pinSeg       = []byte("/p/")
	chMetaPrefix = []byte("chmeta/")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// ValidName reports whether s may be used as a channel, community or server
// identifier. Identifiers end up inside keys, so separators are rejected.
func ValidName(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func channelKey(channel string, extra int) []byte {
	k := make([]byte, 0, len(chPrefix)+len(channel)+extra)
	k = append(k, chPrefix...)
	return append(k, channel...)
}

// KeyHead builds the channel head pointer key.
func KeyHead(channel string) []byte {
	return append(channelKey(channel, len(metaSuffix)), metaSuffix...)
}

// KeyEventPrefix is the prefix shared by every event of channel.
func KeyEventPrefix(channel string) []byte {
	return append(channelKey(channel, len(entrySeg)+8), entrySeg...)
}

// KeyEvent builds the event key with a big-endian position for ordering.
func KeyEvent(channel string, pos uint64) []byte {
	return appendBE8(KeyEventPrefix(channel), pos)
}

// KeyOriginPrefix is the prefix of origin index entries for (channel, origin).
func KeyOriginPrefix(channel, origin string) []byte {
	k := channelKey(channel, len(originSeg)+len(origin)+9)
	k = append(k, originSeg...)
	k = append(k, origin...)
	return append(k, sep)
}

// KeyOrigin builds the origin index key.
func KeyOrigin(channel, origin string, opos uint64) []byte {
	return appendBE8(KeyOriginPrefix(channel, origin), opos)
}

// KeyMessageID builds the message id index key.
func KeyMessageID(channel string, msgID []byte) []byte {
	k := channelKey(channel, len(idSeg)+len(msgID))
	k = append(k, idSeg...)
	return append(k, msgID...)
}

// KeyPinPrefix is the prefix of every pin entry of channel.
func KeyPinPrefix(channel string) []byte {
	return append(channelKey(channel, len(pinSeg)), pinSeg...)
}

// KeyPin builds the pin key for the event (origin, opos).
func KeyPin(channel, origin string, opos uint64) []byte {
	k := append(KeyPinPrefix(channel), origin...)
	k = append(k, sep)
	return appendBE8(k, opos)
}

// KeyChannelMeta builds the channel metadata key.
func KeyChannelMeta(channel string) []byte {
	k := make([]byte, 0, len(chMetaPrefix)+len(channel))
	k = append(k, chMetaPrefix...)
	return append(k, channel...)
}

// positionFromKey returns the trailing big-endian position of an event or
// origin index key.
func positionFromKey(k []byte) (uint64, bool) {
	if len(k) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(k)-8:]), true
}
