// Package api defines wire-format types and converters for the daemon HTTP
// API. It translates internal record models into transport-friendly DTOs so
// clients never couple to internal types.
//
// DTOs use camelCase JSON tags. Internal enums (generation status, workflow
// status, stage keys) are exposed as lowercase strings. Timestamps use RFC3339
// with milliseconds. Input and output documents pass through as
// json.RawMessage to avoid double-encoding.
package api
