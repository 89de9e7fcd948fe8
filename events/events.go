// Package events provides the event stream through which submission
// state changes and system logs flow to their consumers.
package events

import (
	"context"
	"time"

	"github.com/compeval/conveyor/submission"
)

// Type tags the kind of an event.
type Type int32

// Event types.
const (
	TypeState Type = iota
	TypeScore
	TypeStartTime
	TypeEndTime
	TypeSystemLog
)

// Event describes one submission lifecycle event.
type Event struct {
	ID        string
	EventID   string
	Timestamp time.Time
	Type      Type

	State submission.State
	// Cause carries the terminal error/kill reason on state events.
	Cause string
	Score *submission.Score
	Time  time.Time

	// System log payload.
	Level   string
	Msg     string
	Fields  map[string]string
}

// Writer provides write access to a submission's events.
type Writer interface {
	WriteEvent(context.Context, *Event) error
}

type multiwriter []Writer

// MultiWriter writes events to all the given writers.
func MultiWriter(ws ...Writer) Writer {
	return multiwriter(ws)
}

// WriteEvent writes an event to all the writers.
func (mw multiwriter) WriteEvent(ctx context.Context, ev *Event) error {
	for _, w := range mw {
		err := w.WriteEvent(ctx, ev)
		if err != nil {
			return err
		}
	}
	return nil
}

type discard struct{}

func (discard) WriteEvent(context.Context, *Event) error {
	return nil
}

// Discard is a writer which discards all events.
var Discard = discard{}
