// Package pebblestore implements storage.Engine on Pebble with an fsync
// policy, an optional in-memory filesystem, and minimal metrics hooks.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	_ = db.PutBatch(ctx, []storage.Entry{storage.Put([]byte("k"), []byte("v"))})
//	v, _ := db.Get(ctx, []byte("k"))
//	it := db.Scan(ctx, []byte("ch/general/"), nil, 100)
//	defer it.Close()
package pebblestore
