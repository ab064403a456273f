package music

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/JeanRibes/midi-looper/shared"
)

func TestRecordArmsLeadIn(t *testing.T) {
	r := newRig(ClockConfig{BPM: 120, LoopBars: 4})
	r.log.ReplaceAll([]Note{{Key: "A4", Frequency: 440, Duration: Beats(1)}})
	events := newCounter(r.bus, RecordingStart, RecordingActualStart, PlaybackStart)

	r.rec.Record()
	c := r.clock
	if !c.recording || !c.leadIn || c.capturing {
		t.Errorf("flags after Record: recording %v lead-in %v capturing %v", c.recording, c.leadIn, c.capturing)
	}
	if !c.playing {
		t.Error("Record did not start playback")
	}
	if r.log.Len() != 0 {
		t.Errorf("log holds %d notes after Record, want 0", r.log.Len())
	}
	if r.timers.len() != 1 || r.timers.timers[0].d != 2*time.Second {
		t.Fatalf("lead-in timers = %d, want one of 2s", r.timers.len())
	}
	if events.n(RecordingStart) != 1 || events.n(PlaybackStart) != 1 || events.n(RecordingActualStart) != 0 {
		t.Errorf("events start %d playback %d actual %d", events.n(RecordingStart), events.n(PlaybackStart), events.n(RecordingActualStart))
	}

	r.timers.fire(0)
	if c.leadIn || !c.capturing || !c.recording {
		t.Errorf("flags after lead-in: recording %v lead-in %v capturing %v", c.recording, c.leadIn, c.capturing)
	}
	if r.engine.started != 1 {
		t.Errorf("engine StartRecording called %d times", r.engine.started)
	}
	if events.n(RecordingActualStart) != 1 {
		t.Error("RecordingActualStart not published")
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	r := newRig(ClockConfig{BPM: 120})
	events := newCounter(r.bus, RecordingStart)
	r.rec.Record()
	r.timers.fire(0)
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"})

	r.rec.Record()
	if r.timers.len() != 1 || events.n(RecordingStart) != 1 {
		t.Errorf("second Record armed %d timers, %d start events", r.timers.len(), events.n(RecordingStart))
	}
	if r.log.Len() != 1 {
		t.Error("second Record cleared the log")
	}
}

func TestStaleLeadInIgnored(t *testing.T) {
	r := newRig(ClockConfig{BPM: 120})
	events := newCounter(r.bus, RecordingActualStart, RecordingStop)

	r.rec.Record()
	r.rec.StopRecording(context.Background())
	if !r.timers.timers[0].stopped {
		t.Error("lead-in timer not stopped")
	}
	r.timers.fire(0)
	if r.clock.capturing || r.clock.recording || events.n(RecordingActualStart) != 0 {
		t.Error("stopped session started capturing")
	}
	if r.engine.started != 0 || r.engine.stopped != 0 {
		t.Errorf("engine hooks called %d/%d times for a session stopped in lead-in", r.engine.started, r.engine.stopped)
	}
	if events.n(RecordingStop) != 1 {
		t.Errorf("RecordingStop published %d times", events.n(RecordingStop))
	}

	// the first timer firing late must not start the second session early
	r.rec.Record()
	r.timers.fire(0)
	if r.clock.capturing || !r.clock.leadIn {
		t.Error("old timer ended the new lead-in")
	}
	r.timers.fire(1)
	if !r.clock.capturing {
		t.Error("current timer did not start capture")
	}
}

func TestStopRecordingHookFailure(t *testing.T) {
	r := newRig(ClockConfig{BPM: 120})
	r.engine.stopErr = errors.New("disk full")
	events := newCounter(r.bus, RecordingStop, Error)
	var order []Event
	r.bus.Subscribe(Error, func(m Message) { order = append(order, m.Type) })
	r.bus.Subscribe(RecordingStop, func(m Message) { order = append(order, m.Type) })

	r.rec.Record()
	r.timers.fire(0)
	r.clock.currentBeat = 1
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4", Velocity: 90})
	r.clock.currentBeat = 2
	r.log.RecordNoteOff("A4")
	r.rec.StopRecording(context.Background())

	if r.engine.stopped != 1 {
		t.Errorf("engine StopRecording called %d times", r.engine.stopped)
	}
	msgs := events.messages(RecordingStop)
	if len(msgs) != 1 {
		t.Fatalf("RecordingStop published %d times", len(msgs))
	}
	if len(msgs[0].Notes) != 1 || *msgs[0].Notes[0].Duration != 1 {
		t.Errorf("RecordingStop notes = %+v", msgs[0].Notes)
	}
	if r.clock.recording || r.clock.capturing {
		t.Error("still recording after stop")
	}
	errs := events.messages(Error)
	if len(errs) != 1 || !errors.Is(errs[0].Err, r.engine.stopErr) {
		t.Errorf("Error events = %+v, want one carrying the hook error", errs)
	}
	if len(order) != 2 || order[0] != Error || order[1] != RecordingStop {
		t.Errorf("event order = %v, want Error before RecordingStop", order)
	}
}

func TestRecordReleasesSoundingNotes(t *testing.T) {
	r := newRig(ClockConfig{BPM: 60, LoopBars: 4})
	r.log.ReplaceAll([]Note{
		{Frequency: 440, Key: "A4", StartBeat: 0, Duration: Beats(2)},
		{Frequency: 660, Key: "E5", StartBeat: 3, Duration: Beats(1)},
	})
	r.clock.Play()
	r.clock.currentBeat = 0.5
	r.sched.Reconcile()
	if r.engine.count("play") != 1 {
		t.Fatalf("A4 not sounding before Record")
	}

	r.rec.Record()
	if n := r.engine.count("release"); n != 1 {
		t.Fatalf("%d releases on Record, want 1", n)
	}
	if c, _ := r.engine.last("release"); c.voice != VoiceID("A4") {
		t.Errorf("released %q", c.voice)
	}
	if r.log.Len() != 0 {
		t.Errorf("log holds %d notes after Record", r.log.Len())
	}
}

func TestCaptureWithoutEngine(t *testing.T) {
	r := newRig(ClockConfig{BPM: 120})
	timers := &fakeTimers{}
	rec := NewRecorder(RecorderConfig{LeadInBeats: 4, AfterFunc: timers.after}, r.clock, r.log, nil, r.bus, nil)
	events := newCounter(r.bus, RecordingStop)

	rec.Record()
	timers.fire(0)
	if !r.clock.capturing {
		t.Fatal("capture needs no engine")
	}
	if !r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"}) {
		t.Error("note not recorded")
	}
	rec.StopRecording(context.Background())
	if events.n(RecordingStop) != 1 {
		t.Error("RecordingStop not published")
	}
}

func capturingRig(t *testing.T) *rig {
	t.Helper()
	r := newRig(ClockConfig{BPM: 60, LoopBars: 4})
	r.rec.Record()
	r.timers.fire(0)
	return r
}

func TestNoteOffPairsNewestFirst(t *testing.T) {
	r := capturingRig(t)
	r.clock.currentBeat = 1
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"})
	r.clock.currentBeat = 2
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"})
	r.clock.currentBeat = 3
	r.log.RecordNoteOff("A4")
	r.clock.currentBeat = 5
	r.log.RecordNoteOff("A4")

	notes := r.log.All()
	if d, ok := notes[1].End(); !ok || d != 3 {
		t.Errorf("inner note ends at %v, want 3", d)
	}
	if d, ok := notes[0].End(); !ok || d != 5 {
		t.Errorf("outer note ends at %v, want 5", d)
	}
	if r.log.RecordNoteOff("A4") {
		t.Error("unmatched note-off closed something")
	}
}

func TestMinimumDuration(t *testing.T) {
	r := capturingRig(t)
	r.clock.currentBeat = 2
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"})
	r.log.RecordNoteOff("A4")
	if d := *r.log.notes[0].Duration; d != MinNoteDuration {
		t.Errorf("duration = %v, want %v", d, MinNoteDuration)
	}
}

func TestNoteOnOutsideCapture(t *testing.T) {
	r := newRig(ClockConfig{BPM: 60})
	if r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"}) {
		t.Error("note recorded while idle")
	}
	r.rec.Record()
	if r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"}) {
		t.Error("note recorded during lead-in")
	}
	if r.log.Len() != 0 {
		t.Errorf("log holds %d notes", r.log.Len())
	}
}

func TestNoteOnVelocity(t *testing.T) {
	r := capturingRig(t)
	events := newCounter(r.bus, MidiNoteRecorded, MidiNoteClosed)
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"})
	r.log.RecordNoteOn(NoteInput{Frequency: 660, Key: "E5", Velocity: 200})
	if v := r.log.notes[0].Velocity; v != DefaultVelocity {
		t.Errorf("default velocity = %d, want %d", v, DefaultVelocity)
	}
	if v := r.log.notes[1].Velocity; v != 127 {
		t.Errorf("velocity = %d, want 127", v)
	}
	r.log.RecordNoteOff("E5")
	if events.n(MidiNoteRecorded) != 2 || events.n(MidiNoteClosed) != 1 {
		t.Errorf("note events %d/%d", events.n(MidiNoteRecorded), events.n(MidiNoteClosed))
	}
	if m := events.messages(MidiNoteRecorded)[0]; m.Note == nil || m.Note.Key != "A4" || !m.Note.NoteOn {
		t.Errorf("MidiNoteRecorded note = %+v", m.Note)
	}
}

func TestStopRecordingClosesHeldNotes(t *testing.T) {
	r := capturingRig(t)
	r.clock.currentBeat = 1
	r.log.RecordNoteOn(NoteInput{Frequency: 440, Key: "A4"})
	r.clock.currentBeat = 2.5
	r.rec.StopRecording(context.Background())

	n := r.log.notes[0]
	if n.NoteOn || n.Duration == nil || *n.Duration != 1.5 {
		t.Errorf("held note after stop = %+v", n)
	}
}
