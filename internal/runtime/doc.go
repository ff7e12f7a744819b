// Package runtime wires storage, config and the homeserver components into a
// single server instance. It exposes Open/Close, health checks, the
// background Run loop and accessors used by the transports.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Storage.Backend = "memory"
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
//	go rt.Run(ctx)
//	_, _ = rt.CreateChannel(ctx, eventlog.Channel{ID: "general"})
//	ev, _ := rt.Coordinator().Commit(ctx, "general", "alice", event.Message{Content: "hi"})
package runtime
