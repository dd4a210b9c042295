// Package records persists pipelines, stage records, and the account balance
// in SQLite. It is the single durable view of generation state: stage input
// documents, outputs, generation status, and the dispatch markers the
// controllers use to reconcile optimistic local state against what the
// backend actually reported.
package records
