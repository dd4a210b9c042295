// Package daemon coordinates the long-running loom process.
//
// It wires configuration, the record store, the credit ledger, the dispatcher,
// and notifications into a single lifecycle with flock-based locking to
// prevent multiple instances. The daemon owns the set of open stage
// controllers, surfaces stale processing markers at startup, and serves the
// HTTP API used by the CLI.
//
// Keep orchestration logic here: stage state transitions live in stagectl
// while the daemon focuses on startup, shutdown, and session management.
package daemon
