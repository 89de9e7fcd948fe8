package events

import (
	"context"

	"github.com/compeval/conveyor/logger"
)

// Logger is an event writer which writes events to a Logger instance.
type Logger struct {
	Log *logger.Logger
}

// NewLogger returns a Logger event writer with the given namespace.
func NewLogger(ns string) *Logger {
	return &Logger{Log: logger.Sub(ns)}
}

// WriteEvent writes an event to the logger.
func (el *Logger) WriteEvent(ctx context.Context, ev *Event) error {
	log := el.Log.WithFields("submissionID", ev.ID)

	switch ev.Type {
	case TypeState:
		if ev.Cause != "" {
			log.Info("Submission state", "state", ev.State, "cause", ev.Cause)
		} else {
			log.Info("Submission state", "state", ev.State)
		}

	case TypeScore:
		log.Info("Submission scored", "score", ev.Score.Value)

	case TypeStartTime:
		log.Info("Submission started", "startTime", ev.Time)

	case TypeEndTime:
		log.Info("Submission finished", "endTime", ev.Time)

	case TypeSystemLog:
		args := []interface{}{}
		for k, v := range ev.Fields {
			args = append(args, k, v)
		}
		switch ev.Level {
		case "error":
			log.Error(ev.Msg, args...)
		case "debug":
			log.Debug(ev.Msg, args...)
		default:
			log.Info(ev.Msg, args...)
		}
	}
	return nil
}
