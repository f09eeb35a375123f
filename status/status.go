// Package status renders the progress lines emitted by workers and the monitor.
package status

import (
	"sync/atomic"
)

// Line is one status line owned by a single task.
type Line interface {
	SetMessage(msg string)
	SetPrefix(prefix string)
}

type Style int

const (
	// StyleElapsed shows the time since the line was created, followed by the message.
	StyleElapsed Style = iota
	// StyleSpinner shows the prefix, a spinner and the message.
	StyleSpinner
)

// Sink creates status lines and tears them down at the end of a run.
type Sink interface {
	NewLine(style Style) Line
	Close()
}

// text holds the prefix and message of a line; safe for one writer and one renderer.
type text struct {
	prefix  atomic.Value
	message atomic.Value
}

func newText() *text {
	t := &text{}
	t.prefix.Store("")
	t.message.Store("")
	return t
}

func (t *text) SetMessage(msg string) {
	t.message.Store(msg)
}

func (t *text) SetPrefix(prefix string) {
	t.prefix.Store(prefix)
}

func (t *text) Message() string {
	return t.message.Load().(string)
}

func (t *text) Prefix() string {
	return t.prefix.Load().(string)
}
