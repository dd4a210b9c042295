// Package dispatch sends generation requests to the remote backend. The
// backend answers accept/reject synchronously; job completion is observed via
// record-store polling elsewhere.
package dispatch
