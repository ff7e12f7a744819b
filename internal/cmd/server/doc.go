// Package serverrun exposes the shared Run entrypoint the CLI uses to start a
// chorus homeserver: the runtime plus its client HTTP and federation gRPC
// servers, with signal handling and ordered shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Server.Name = "alpha.example"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
