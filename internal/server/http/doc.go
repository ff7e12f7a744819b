// Package httpserver is the client-facing REST and streaming surface of a
// homeserver: channel management, commits, history, live subscriptions over
// websocket or SSE, federation status and Prometheus metrics.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	s := httpserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
