package shared

import (
	"fmt"
	"math"
)

type Event int

const (
	PlaybackStart Event = iota
	PlaybackStop
	LoopComplete
	BeatChanged
	BarChanged
	RecordingStart
	RecordingActualStart
	RecordingStop
	MidiNoteRecorded
	MidiNoteClosed
	Error
)

var eventNames = [...]string{
	PlaybackStart:        "playbackStart",
	PlaybackStop:         "playbackStop",
	LoopComplete:         "loopComplete",
	BeatChanged:          "beatChanged",
	BarChanged:           "barChanged",
	RecordingStart:       "recordingStart",
	RecordingActualStart: "recordingActualStart",
	RecordingStop:        "recordingStop",
	MidiNoteRecorded:     "midiNoteRecorded",
	MidiNoteClosed:       "midiNoteClosed",
	Error:                "error",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// Message is the payload handed to bus subscribers. Only the fields
// relevant to Type are set.
type Message struct {
	Type      Event
	Beat      int // floor of the current beat
	Bar       int
	BeatInBar int
	Note      *Note
	Notes     []Note // RecordingStop snapshot
	Err       error
}

const (
	MinBPM           = 20
	MaxBPM           = 300
	DefaultBPM       = 120
	BeatsPerBar      = 4
	DefaultLoopBars  = 4
	DefaultLeadIn    = 4 // beats
	DefaultVelocity  = 100
	TriggerThreshold = 0.05 // beats
	MinNoteDuration  = 0.01 // beats

	AccentFrequency = 1000.0
	NormalFrequency = 800.0
)

// Note is one recorded note event. Duration stays nil until the
// matching note-off closes the note.
type Note struct {
	Frequency float64  `json:"frequency" yaml:"frequency"`
	Key       string   `json:"key" yaml:"key"`
	StartBeat float64  `json:"startBeat" yaml:"start_beat"`
	Duration  *float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	Velocity  uint8    `json:"velocity" yaml:"velocity"`
	NoteOn    bool     `json:"noteOn" yaml:"note_on"`
	Playing   bool     `json:"-" yaml:"-"`
}

// End returns the beat at which the note stops, ok is false while the
// note is still open.
func (n Note) End() (end float64, ok bool) {
	if n.Duration == nil {
		return 0, false
	}
	return n.StartBeat + *n.Duration, true
}

// Clone deep-copies the optional duration so that the copy can be
// mutated independently.
func (n Note) Clone() Note {
	if n.Duration != nil {
		d := *n.Duration
		n.Duration = &d
	}
	return n
}

// Equal compares every field, including the pointed-to duration.
func (n Note) Equal(o Note) bool {
	if (n.Duration == nil) != (o.Duration == nil) {
		return false
	}
	if n.Duration != nil && *n.Duration != *o.Duration {
		return false
	}
	return n.Frequency == o.Frequency && n.Key == o.Key && n.StartBeat == o.StartBeat &&
		n.Velocity == o.Velocity && n.NoteOn == o.NoteOn && n.Playing == o.Playing
}

func Beats(b float64) *float64 {
	return &b
}

// VoiceID is the voice used by the sequencer for a note key. The prefix
// keeps sequenced voices apart from live-played ones.
func VoiceID(key string) string {
	return "seq:" + key
}

// KeyFrequency is the equal-tempered frequency of a MIDI key (A4 = 440Hz).
func KeyFrequency(key uint8) float64 {
	return 440 * math.Pow(2, (float64(key)-69)/12)
}

// FrequencyKey is the nearest MIDI key for a frequency, clamped to 0..127.
func FrequencyKey(freq float64) uint8 {
	if freq <= 0 {
		return 0
	}
	k := math.Round(69 + 12*math.Log2(freq/440))
	switch {
	case k < 0:
		return 0
	case k > 127:
		return 127
	}
	return uint8(k)
}
