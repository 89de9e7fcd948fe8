package events

import (
	"time"

	"github.com/compeval/conveyor/submission"
)

// NewState creates a state change event.
func NewState(sub *submission.Submission, s submission.State, cause string) *Event {
	return &Event{
		ID:        sub.ID,
		EventID:   sub.EventID,
		Timestamp: time.Now(),
		Type:      TypeState,
		State:     s,
		Cause:     cause,
	}
}

// NewScore creates a score event.
func NewScore(sub *submission.Submission, score *submission.Score) *Event {
	return &Event{
		ID:        sub.ID,
		EventID:   sub.EventID,
		Timestamp: time.Now(),
		Type:      TypeScore,
		Score:     score,
	}
}

// NewStartTime creates a submission start time event.
func NewStartTime(sub *submission.Submission, t time.Time) *Event {
	return &Event{
		ID:        sub.ID,
		EventID:   sub.EventID,
		Timestamp: time.Now(),
		Type:      TypeStartTime,
		Time:      t,
	}
}

// NewEndTime creates a submission end time event.
func NewEndTime(sub *submission.Submission, t time.Time) *Event {
	return &Event{
		ID:        sub.ID,
		EventID:   sub.EventID,
		Timestamp: time.Now(),
		Type:      TypeEndTime,
		Time:      t,
	}
}

// NewSystemLog creates a system log event.
func NewSystemLog(id, lvl, msg string, fields map[string]string) *Event {
	return &Event{
		ID:        id,
		Timestamp: time.Now(),
		Type:      TypeSystemLog,
		Level:     lvl,
		Msg:       msg,
		Fields:    fields,
	}
}
