// Package peer holds what every component knows about a remote peer: its
// session id, the initiator rule for a pair and log helpers tagged with it.
package peer

import (
	"log/slog"
)

// Base identifies a remote peer and tags log lines with it
type Base struct {
	id        string
	component string
}

// NewBase creates the logging identity of remote peer id as seen by component
func NewBase(component, id string) Base {
	return Base{id: id, component: component}
}

// ID returns the remote peer's session id
func (b Base) ID() string {
	return b.id
}

// Component returns the name of the component that owns this peer view
func (b Base) Component() string {
	return b.component
}

// Logging helpers

func (b Base) attrs(args []any, extra ...any) []any {
	allArgs := append([]any{"component", b.component, "peer", b.id}, extra...)
	return append(allArgs, args...)
}

// LogInfo logs an informational message
func (b Base) LogInfo(msg string, args ...any) {
	slog.Info(msg, b.attrs(args)...)
}

// LogDebug logs a debug message
func (b Base) LogDebug(msg string, args ...any) {
	slog.Debug(msg, b.attrs(args)...)
}

// LogWarn logs a warning message
func (b Base) LogWarn(msg string, args ...any) {
	slog.Warn(msg, b.attrs(args)...)
}

// LogError logs an error message
func (b Base) LogError(msg string, args ...any) {
	slog.Error(msg, b.attrs(args)...)
}

// LogReceive logs bytes or messages coming from the peer
func (b Base) LogReceive(msg string, args ...any) {
	slog.Info(msg, b.attrs(args, "direction", "<--")...)
}

// LogSend logs bytes or messages going to the peer
func (b Base) LogSend(msg string, args ...any) {
	slog.Info(msg, b.attrs(args, "direction", "-->")...)
}
