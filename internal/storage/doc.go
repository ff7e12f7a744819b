// Package storage defines the ordered key-value Engine that the event log,
// causality tracker, federation outbox and key store are built on, plus
// helpers shared by every backend (range bounds, paging, quarantine).
//
// Backends live in sub-packages:
//
//   - storage/pebble: Pebble LSM, the default; supports an in-memory FS
//   - storage/bbolt:  BoltDB B+tree in a single bucket
//   - storage/sqlite: a single kv table in SQLite
//
// storage/backend selects one by name from configuration.
package storage
