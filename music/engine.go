package music

import (
	"context"
	"time"

	. "github.com/JeanRibes/midi-looper/shared"
)

// Engine is the audio/playback collaborator. Every call except
// StopRecording is fire-and-forget; StopRecording may block and fail, it
// is never called from the tick goroutine.
type Engine interface {
	PlayNote(frequency float64, voice string)
	ReleaseNote(voice string)
	PlayMetronomeClick(frequency float64, duration time.Duration)
	StartRecording()
	StopRecording(ctx context.Context) error
}

// Publisher is what the components emit transport events through.
// *bus.Bus satisfies it.
type Publisher interface {
	Publish(ev Event, msg Message)
}

// Timer is a pending lead-in transition. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NoteInput is a note-on coming from a keyboard or MIDI input.
type NoteInput struct {
	Frequency float64
	Key       string
	Velocity  uint8 // 0 means DefaultVelocity
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event, Message) {}
