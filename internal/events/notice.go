package events

import (
	"log/slog"
	"sync/atomic"
)

// Level classifies a notice
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a short user-facing message
type Notice struct {
	ID      uint64
	Level   Level
	Message string
}

// Notices is the bus consumers render notices from
type Notices struct {
	*Bus[Notice]
	seq atomic.Uint64
}

// NewNotices creates a notice bus
func NewNotices() *Notices {
	return &Notices{Bus: NewBus[Notice]()}
}

// Show publishes a notice and returns it
func (n *Notices) Show(level Level, message string) Notice {
	notice := Notice{ID: n.seq.Add(1), Level: level, Message: message}
	slog.Debug("Notice", "level", level, "message", message)
	n.Publish(notice)
	return notice
}

// Error publishes an error notice
func (n *Notices) Error(message string) Notice {
	return n.Show(LevelError, message)
}
