// Package id mints the time-sortable 128-bit identifiers used for message ids
// and subscriber connection handles.
//
// Layout, big-endian: [8 bytes ms timestamp][4 bytes node][4 bytes sequence].
// Byte order is creation order within one node. The node tag is derived from
// the minting server's name, so two homeservers sharing a channel never mint
// the same message id.
//
//	g := id.NewNodeGenerator("alpha.example")
//	mid := g.Next()
//	s := mid.String() // 32 hex chars
//	back, _ := id.Parse(s)
package id
