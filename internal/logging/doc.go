// Package logging wraps log/slog with the attribute constructors,
// standardized field keys, and handler setup shared across the daemon and CLI.
package logging
