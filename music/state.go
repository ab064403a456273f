package music

import (
	"math"

	. "github.com/JeanRibes/midi-looper/shared"
)

const STATE_PREALLOCATION = 128

// Log is the ordered list of recorded notes. The recorder writes the
// creation and closing fields, the scheduler writes Playing. It is not
// safe for concurrent use: Transport serializes access.
type Log struct {
	notes []Note
	clock *Clock // set by NewClock
	pub   Publisher
}

func NewLog(pub Publisher) *Log {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Log{
		notes: make([]Note, 0, STATE_PREALLOCATION),
		pub:   pub,
	}
}

func (l *Log) capturing() bool {
	return l.clock != nil && l.clock.capturing
}

// RecordNoteOn appends an open note at the current beat. It does nothing
// unless MIDI capture is active.
func (l *Log) RecordNoteOn(in NoteInput) bool {
	if !l.capturing() {
		return false
	}
	vel := in.Velocity
	if vel == 0 {
		vel = DefaultVelocity
	}
	if vel > 127 {
		vel = 127
	}
	l.notes = append(l.notes, Note{
		Frequency: in.Frequency,
		Key:       in.Key,
		StartBeat: l.clock.currentBeat,
		Velocity:  vel,
		NoteOn:    true,
	})
	n := l.notes[len(l.notes)-1].Clone()
	l.pub.Publish(MidiNoteRecorded, Message{Note: &n})
	return true
}

// RecordNoteOff closes the newest open note with the given key, so
// overlapping presses of one key pair innermost first.
func (l *Log) RecordNoteOff(key string) bool {
	if !l.capturing() {
		return false
	}
	for i := len(l.notes) - 1; i >= 0; i-- {
		n := &l.notes[i]
		if n.Key != key || !n.NoteOn {
			continue
		}
		l.close(n, l.clock.currentBeat)
		c := n.Clone()
		l.pub.Publish(MidiNoteClosed, Message{Note: &c})
		return true
	}
	return false
}

func (l *Log) close(n *Note, beat float64) {
	n.Duration = Beats(math.Max(MinNoteDuration, beat-n.StartBeat))
	n.NoteOn = false
}

// closeOpen closes every note still held when capture ends.
func (l *Log) closeOpen(beat float64) int {
	closed := 0
	for i := range l.notes {
		if l.notes[i].NoteOn {
			l.close(&l.notes[i], beat)
			closed++
		}
	}
	return closed
}

// All returns a deep copy of the notes.
func (l *Log) All() []Note {
	out := make([]Note, len(l.notes))
	for i, n := range l.notes {
		out[i] = n.Clone()
	}
	return out
}

func (l *Log) Clear() {
	l.notes = l.notes[0:0]
}

// ReplaceAll swaps the whole log for a copy of notes, e.g. a loaded file.
func (l *Log) ReplaceAll(notes []Note) {
	l.notes = make([]Note, len(notes), max(len(notes), STATE_PREALLOCATION))
	for i, n := range notes {
		l.notes[i] = n.Clone()
	}
}

// Replace swaps the log for a copy of notes like ReplaceAll, but a new
// note identical to one still sounding takes over its Playing flag.
// The sounding notes left without a counterpart are returned.
func (l *Log) Replace(notes []Note) (dropped []Note) {
	old := l.notes
	l.ReplaceAll(notes)
	taken := make([]bool, len(l.notes))
	for _, o := range old {
		if !o.Playing {
			continue
		}
		found := false
		for i := range l.notes {
			if !taken[i] && sameNote(o, l.notes[i]) {
				taken[i], found = true, true
				break
			}
		}
		if !found {
			dropped = append(dropped, o)
		}
	}
	for i := range l.notes {
		l.notes[i].Playing = taken[i]
	}
	return dropped
}

func sameNote(a, b Note) bool {
	a.Playing, b.Playing = false, false
	return a.Equal(b)
}

// Undo drops the most recently recorded note.
func (l *Log) Undo() (Note, bool) {
	if len(l.notes) == 0 {
		return Note{}, false
	}
	last := l.notes[len(l.notes)-1]
	l.notes = l.notes[:len(l.notes)-1]
	return last, true
}

func (l *Log) sounding(key string) bool {
	for _, n := range l.notes {
		if n.Playing && n.Key == key {
			return true
		}
	}
	return false
}

func (l *Log) Len() int {
	return len(l.notes)
}
