// Package services holds the shared error taxonomy and context carriers used
// across the orchestration components.
package services
