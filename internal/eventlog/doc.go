// Package eventlog implements the per-channel append-only event log.
//
// # Overview
//
// Every channel's events live under one key prefix of a storage.Engine so
// range scans are contiguous:
//   - ch/{channel}/m                      (head position)
//   - ch/{channel}/e/{pos_be8}            (events)
//   - ch/{channel}/o/{origin}/{opos_be8}  (origin index)
//   - chmeta/{channel}                    (channel metadata, JSON)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload),
// where the header is the big-endian local position and the payload is the
// canonical event encoding.
//
// API surface (internal)
//
//	l := eventlog.Open(engine, eventlog.Options{Logger: logger})
//	_, _ = l.EnsureChannel(ctx, eventlog.Channel{ID: "general", CommunityID: "c1"})
//	ev, _ := l.Append(ctx, "general", eventlog.Static(draft))
//
//	c := l.ReadRange(ctx, "general", 1, 0) // up to the current head
//	for c.Next() { _ = c.Event() }
//
//	// Backfill: events from one origin, in origin order
//	c = l.ReadOrigin(ctx, "general", "beta.example", 3)
//
//	// Long-poll: wait for anything past position 10
//	woke := l.WaitForAppend(ctx, "general", 10, 30*time.Second)
//
// Appends are single-writer per channel; the write coordinator serializes
// them. A failed batch never advances the head, so the next append reuses
// the position. Records that fail checksum or decoding are moved to the
// quarantine keyspace and skipped by readers.
package eventlog
