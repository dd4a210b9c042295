// Package stagectl implements the per-stage generation state machine. One
// controller owns one open stage: it validates input, checks credit
// admission, flushes pending edits, dispatches to the backend, reconciles the
// optimistic local job against polled record state, and announces terminal
// results exactly once.
package stagectl
