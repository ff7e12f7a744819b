// Package client provides the client commands of the `chorus` CLI.
//
// The commands talk to a homeserver's client HTTP API to manage channels,
// commit events, read history and follow a channel live. They are
// primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is supplied by the embedding application through a
// BaseURLFunc. The standalone binary reads CHORUS_HTTP and defaults to
// http://127.0.0.1:8080.
//
// Usage
//
//	chorus channel create --id general --community acme --peer beta.example
//
//	chorus channel send --channel general --author alice --text 'hello'
//
//	chorus channel history --channel general --from 1 --limit 50
//
//	chorus channel tail --channel general --cursor 10 \
//	    --filter 'kind == "message" && author != "bot"'
//
//	chorus federation peers
//	chorus federation trust --server beta.example --key <base64>
package client
