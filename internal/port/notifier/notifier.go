// Package notifier defines the port for operator alert channels.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier has no destination.
var ErrNotConfigured = errors.New("notifier: not configured")

// Alert levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Field is a labelled value rendered alongside the message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Level   string  `json:"level"`
	Source  string  `json:"source"` // e.g. "tenants.lifecycle.failed"
	Fields  []Field `json:"fields,omitempty"`
}

// Notifier delivers alerts to one channel.
type Notifier interface {
	// Name returns the channel identifier, e.g. "slack".
	Name() string

	Send(ctx context.Context, n Notification) error
}
