package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks missing or invalid stage input; recovered locally,
	// no dispatch is attempted.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientCredits marks an admission check failure.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDispatchRejected marks a backend rejection at accept time.
	ErrDispatchRejected = errors.New("dispatch rejected")
	// ErrJobFailed marks an observed terminal failed status.
	ErrJobFailed = errors.New("generation job failed")
	// ErrPersistence marks a failed record-store write.
	ErrPersistence = errors.New("persistence error")
	// ErrConfiguration marks unusable configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransient marks failures worth retrying without user action.
	ErrTransient = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// RecoveredLocally reports whether an error resolves inside the controller
// without the backend having been contacted.
func RecoveredLocally(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientCredits)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
