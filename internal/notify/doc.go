// Package notify publishes user-facing push notifications through ntfy and
// guards terminal-state announcements so each generation job is announced at
// most once, even across racing polls or editor remounts.
package notify
