package music

import (
	"context"
	"io"
	"time"

	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
)

type RecorderConfig struct {
	LeadInBeats float64
	AfterFunc   AfterFunc
	// StartPlayback starts the transport when Record is called while
	// stopped. Defaults to Clock.Play.
	StartPlayback func()
	// Async runs the stop-recording hook away from the tick goroutine,
	// Sync brings its completion back into the tick context.
	Async func(func())
	Sync  func(func())
}

// Recorder drives idle -> lead-in -> capturing -> idle.
type Recorder struct {
	clock  *Clock
	log    *Log
	engine Engine
	pub    Publisher
	logger *charmlog.Logger

	leadInBeats   float64
	after         AfterFunc
	startPlayback func()
	async         func(func())
	sync          func(func())

	session uint64 // bumped on every Record and StopRecording
	timer   Timer
}

func NewRecorder(cfg RecorderConfig, clock *Clock, log *Log, engine Engine, pub Publisher, logger *charmlog.Logger) *Recorder {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	if cfg.LeadInBeats < 0 {
		cfg.LeadInBeats = 0
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.StartPlayback == nil {
		cfg.StartPlayback = clock.Play
	}
	if cfg.Async == nil {
		cfg.Async = func(f func()) { go f() }
	}
	if cfg.Sync == nil {
		cfg.Sync = func(f func()) { f() }
	}
	return &Recorder{
		clock:         clock,
		log:           log,
		engine:        engine,
		pub:           pub,
		logger:        logger,
		leadInBeats:   cfg.LeadInBeats,
		after:         cfg.AfterFunc,
		startPlayback: cfg.StartPlayback,
		async:         cfg.Async,
		sync:          cfg.Sync,
	}
}

// LeadIn is the wall time of the lead-in at the current tempo.
func (r *Recorder) LeadIn() time.Duration {
	return time.Duration(r.leadInBeats / (r.clock.bpm / 60) * float64(time.Second))
}

// Record clears the log, starts playback if needed and arms the lead-in.
// Capture starts when the lead-in timer fires.
func (r *Recorder) Record() {
	c := r.clock
	if c.recording {
		return
	}
	c.recording = true
	c.leadIn = true
	c.capturing = false
	c.releaseSounding()
	r.log.Clear()
	if !c.playing {
		r.startPlayback()
	}
	r.session++
	session := r.session
	r.timer = r.after(r.LeadIn(), func() { r.leadInDone(session) })
	r.logger.Info("lead-in", "beats", r.leadInBeats, "duration", r.LeadIn())
	r.pub.Publish(RecordingStart, Message{})
}

func (r *Recorder) leadInDone(session uint64) {
	c := r.clock
	if session != r.session || !c.recording || !c.leadIn {
		r.logger.Debug("stale lead-in timer ignored", "session", session, "current", r.session)
		return
	}
	r.timer = nil
	if r.engine != nil {
		r.engine.StartRecording()
	} else {
		r.logger.Warn("no audio engine, capturing MIDI only")
	}
	c.leadIn = false
	c.capturing = true
	r.logger.Info("recording")
	r.pub.Publish(RecordingActualStart, Message{})
}

// StopRecording ends the session. RecordingStop carries the final notes
// and is published whether or not the engine hook succeeds.
func (r *Recorder) StopRecording(ctx context.Context) {
	c := r.clock
	if !c.recording {
		return
	}
	r.session++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	wasCapturing := c.capturing
	c.recording = false
	c.leadIn = false
	c.capturing = false
	if n := r.log.closeOpen(c.currentBeat); n > 0 {
		r.logger.Debug("closed held notes", "count", n)
	}
	snapshot := r.log.All()
	r.logger.Info("stop recording", "notes", len(snapshot))

	done := func() {
		r.pub.Publish(RecordingStop, Message{Notes: snapshot})
	}
	if r.engine == nil || !wasCapturing {
		done()
		return
	}
	engine := r.engine
	r.async(func() {
		err := engine.StopRecording(ctx)
		if err != nil {
			r.logger.Error("stop recording hook failed", "err", err)
		}
		r.sync(func() {
			if err != nil {
				r.pub.Publish(Error, Message{Err: err})
			}
			done()
		})
	})
}

func (r *Recorder) Recording() bool {
	return r.clock.recording
}
