// Package server implements the linechat broadcast server.
//
// A Server accepts peers over raw TCP (and, optionally, WebSocket), splits
// each peer's byte stream into newline-delimited lines with a Framer, and
// fans every line out through the Hub to all other live connections. Lines
// longer than the configured limit are forwarded as raw fragments. Several
// servers may share one broadcast domain through a relay.
package server
