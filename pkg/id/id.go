package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit identifier that sorts by creation time:
// [8 bytes ms timestamp][4 bytes node][4 bytes sequence], big-endian.
type ID [16]byte

func (i ID) Bytes() []byte { return bytes.Clone(i[:]) }

// String returns the 32-character lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

func (i ID) IsZero() bool { return i == ID{} }

// Time returns the millisecond timestamp component.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8])))
}

// Node returns the tag of the server that minted the ID.
func (i ID) Node() uint32 { return binary.BigEndian.Uint32(i[8:12]) }

func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// MarshalText encodes the ID as hex so it round-trips through JSON and CBOR text.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *ID) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = p
	return nil
}

// Parse decodes the form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != hex.EncodedLen(len(out)) {
		return out, fmt.Errorf("id: want 32 hex chars, got %d", len(s))
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, fmt.Errorf("id: %w", err)
	}
	return out, nil
}

// NodeTag derives the node component for a server name. Servers that federate
// a channel mint message IDs independently; the tag keeps their IDs apart.
func NodeTag(server string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(server))
	return h.Sum32()
}

// Generator mints strictly increasing IDs for one node.
type Generator struct {
	node uint32
	now  func() int64

	mu     sync.Mutex
	lastMs int64
	seq    uint32
}

// NewGenerator returns a generator with node tag zero, for IDs that never
// leave this process.
func NewGenerator() *Generator { return NewNodeGenerator("") }

// NewNodeGenerator returns a generator tagged with NodeTag(server).
func NewNodeGenerator(server string) *Generator {
	g := &Generator{now: func() int64 { return time.Now().UnixMilli() }}
	if server != "" {
		g.node = NodeTag(server)
	}
	return g
}

// Next returns a new ID. A clock that moves backwards is pinned to the last
// millisecond seen; a sequence exhausted within one millisecond waits for the
// next.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := max(g.now(), g.lastMs)
	switch {
	case ms > g.lastMs:
		g.seq = 0
	case g.seq < math.MaxUint32:
		g.seq++
	default:
		for ms <= g.lastMs {
			time.Sleep(time.Millisecond / 8)
			ms = g.now()
		}
		g.seq = 0
	}
	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint32(out[8:12], g.node)
	binary.BigEndian.PutUint32(out[12:16], g.seq)
	return out
}
