// Package log is the structured logging facade for chorus.
//
// Components take a Logger in their constructor and tag themselves once:
//
//	logger = logger.With(log.Component("federation"), log.Peer(peer))
//	logger.Warn("peer degraded", log.Int("attempts", n), log.Err(err))
//
// Entries flow through log/slog into a bridge handler that applies redaction
// and sampling before handing them to a Formatter (text or JSON) and one or
// more Outputs (console, file, null). Keys that carry signing key material
// are always redacted.
//
// ApplyConfig assembles a process logger from Config, which the server reads
// from its YAML file or CHORUS_LOG_* variables. RedirectStdLog routes the
// standard library logger, used by Pebble and gRPC, into the facade.
package log
