package music

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/JeanRibes/midi-looper/bus"
	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
)

var ErrRecording = errors.New("not allowed while recording")

// Options configures a Transport. A zero BPM or LoopBars takes the
// default.
type Options struct {
	BPM              float64
	LoopBars         int
	LeadInBeats      float64
	Metronome        bool
	AccentHz         float64
	NormalHz         float64
	ClickDuration    time.Duration
	TriggerThreshold float64
	// TickRate is the tick driver frequency in Hz. With ManualTick the
	// caller drives Tick itself and no goroutine is started.
	TickRate   float64
	ManualTick bool
	Now        func() time.Time
	AfterFunc  AfterFunc
}

type pendingEvent struct {
	ev  Event
	msg Message
}

// Transport ties the clock, log, recorder and scheduler together behind
// one lock. Events raised inside the lock are published once it is
// released, in order, so handlers may call back into the Transport.
type Transport struct {
	mu      sync.Mutex
	pending []pendingEvent

	bus    *bus.Bus
	engine Engine
	logger *charmlog.Logger

	clock *Clock
	log   *Log
	rec   *Recorder
	sched *Scheduler

	ctx        context.Context
	interval   time.Duration
	manual     bool
	cancelTick context.CancelFunc
	hooks      sync.WaitGroup
}

// queue buffers events until the current exclusive section ends.
type queue struct{ t *Transport }

func (q queue) Publish(ev Event, msg Message) {
	q.t.pending = append(q.t.pending, pendingEvent{ev: ev, msg: msg})
}

// New builds a transport. engine may be nil: notes and clicks are then
// only tracked, not sounded.
func New(ctx context.Context, engine Engine, opts Options, logger *charmlog.Logger) *Transport {
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	if opts.TickRate <= 0 {
		opts.TickRate = 60
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if engine == nil {
		logger.Warn("no audio engine registered, metronome and recording audio are disabled")
	}
	t := &Transport{
		bus:      bus.New(logger.WithPrefix("bus")),
		engine:   engine,
		logger:   logger,
		ctx:      ctx,
		interval: time.Duration(float64(time.Second) / opts.TickRate),
		manual:   opts.ManualTick,
	}
	q := queue{t}
	t.log = NewLog(q)
	t.clock = NewClock(ClockConfig{
		BPM:           opts.BPM,
		LoopBars:      opts.LoopBars,
		Metronome:     opts.Metronome,
		AccentHz:      opts.AccentHz,
		NormalHz:      opts.NormalHz,
		ClickDuration: opts.ClickDuration,
		Now:           opts.Now,
	}, t.log, engine, q, logger.WithPrefix("clock"))
	t.sched = NewScheduler(t.clock, t.log, engine, opts.TriggerThreshold, logger.WithPrefix("scheduler"))
	after := opts.AfterFunc
	t.rec = NewRecorder(RecorderConfig{
		LeadInBeats: opts.LeadInBeats,
		AfterFunc: func(d time.Duration, f func()) Timer {
			return after(d, func() { t.do(f) })
		},
		StartPlayback: t.play,
		Async: func(f func()) {
			t.hooks.Add(1)
			go func() {
				defer t.hooks.Done()
				f()
			}()
		},
		Sync: t.do,
	}, t.clock, t.log, engine, q, logger.WithPrefix("recorder"))
	return t
}

// do runs f as one exclusive section, then publishes what it raised.
func (t *Transport) do(f func()) {
	t.mu.Lock()
	f()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, p := range pending {
		t.bus.Publish(p.ev, p.msg)
	}
}

func (t *Transport) Subscribe(ev Event, fn bus.Handler) bus.Subscription {
	return t.bus.Subscribe(ev, fn)
}

func (t *Transport) Unsubscribe(s bus.Subscription) {
	t.bus.Unsubscribe(s)
}

// Play starts playback and the tick driver.
func (t *Transport) Play() {
	t.do(t.play)
}

func (t *Transport) play() {
	if t.clock.playing {
		return
	}
	t.clock.Play()
	t.startDriver()
}

// Stop ends any recording session, stops playback and rewinds.
func (t *Transport) Stop() {
	t.do(func() {
		t.rec.StopRecording(context.WithoutCancel(t.ctx))
		t.clock.Stop()
		t.stopDriver()
	})
}

func (t *Transport) startDriver() {
	if t.manual || t.cancelTick != nil {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.cancelTick = cancel
	go t.drive(ctx)
}

func (t *Transport) stopDriver() {
	if t.cancelTick != nil {
		t.cancelTick()
		t.cancelTick = nil
	}
}

func (t *Transport) drive(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Tick(now)
		}
	}
}

// Tick is one frame: advance the clock, then reconcile the notes unless
// MIDI is being captured.
func (t *Transport) Tick(now time.Time) {
	t.do(func() {
		t.clock.Tick(now)
		if !t.clock.capturing {
			t.sched.Reconcile()
		}
	})
}

func (t *Transport) Record() {
	t.do(t.rec.Record)
}

func (t *Transport) StopRecording(ctx context.Context) {
	t.do(func() { t.rec.StopRecording(ctx) })
}

func (t *Transport) NoteOn(in NoteInput) (recorded bool) {
	t.do(func() { recorded = t.log.RecordNoteOn(in) })
	return recorded
}

func (t *Transport) NoteOff(key string) (closed bool) {
	t.do(func() { closed = t.log.RecordNoteOff(key) })
	return closed
}

func (t *Transport) UndoNote() (n Note, ok bool) {
	t.do(func() {
		n, ok = t.log.Undo()
		if ok && n.Playing && t.engine != nil {
			t.engine.ReleaseNote(VoiceID(n.Key))
		}
	})
	n.Playing = false
	return n, ok
}

// SetBPM changes the tempo, keeping the beat position.
func (t *Transport) SetBPM(bpm float64) {
	t.do(func() { t.clock.SetBPM(bpm) })
}

func (t *Transport) SetLoopLengthBars(bars int) {
	t.do(func() { t.clock.SetLoopLengthBars(bars) })
}

func (t *Transport) SetMetronomeEnabled(enabled bool) {
	t.do(func() { t.clock.SetMetronomeEnabled(enabled) })
}

func (t *Transport) MidiNotes() (notes []Note) {
	t.do(func() { notes = t.log.All() })
	return notes
}

// SetMidiNotes replaces the log, e.g. with a loaded take. A note equal
// to one already sounding keeps sounding; the voices of the sounding
// notes that are gone are released.
func (t *Transport) SetMidiNotes(notes []Note) {
	t.do(func() {
		dropped := t.log.Replace(notes)
		if t.engine == nil {
			return
		}
		released := map[string]bool{}
		for _, n := range dropped {
			if !released[n.Key] && !t.log.sounding(n.Key) {
				released[n.Key] = true
				t.engine.ReleaseNote(VoiceID(n.Key))
			}
		}
	})
}

func (t *Transport) ClearMidiNotes() {
	t.do(func() {
		t.clock.releaseSounding()
		t.log.Clear()
	})
}

func (t *Transport) State() (s State) {
	t.do(func() { s = t.clock.State() })
	return s
}

func (t *Transport) FormattedTime() (s string) {
	t.do(func() { s = t.clock.FormattedTime() })
	return s
}

func (t *Transport) Progress() (p float64) {
	t.do(func() { p = t.clock.Progress() })
	return p
}

// Quantize snaps the current take to the grid.
func (t *Transport) Quantize() (err error) {
	t.do(func() {
		if t.clock.recording {
			err = ErrRecording
			return
		}
		var q []Note
		q, err = Quantize(t.log.All(), t.clock.bpm)
		if err != nil {
			return
		}
		t.clock.releaseSounding()
		t.log.ReplaceAll(q)
		t.logger.Info("quantized", "notes", len(q))
	})
	return err
}

func (t *Transport) ExportSMF(w io.Writer) (err error) {
	var notes []Note
	var bpm float64
	t.do(func() {
		notes = t.log.All()
		bpm = t.clock.bpm
	})
	return WriteSMF(w, notes, bpm)
}

// ImportSMF loads notes and tempo from a standard MIDI file.
func (t *Transport) ImportSMF(r io.Reader) error {
	notes, bpm, err := ReadSMF(r)
	if err != nil {
		return err
	}
	t.do(func() {
		if t.clock.recording {
			err = ErrRecording
			return
		}
		t.clock.SetBPM(bpm)
		t.clock.releaseSounding()
		t.log.ReplaceAll(notes)
	})
	if err == nil {
		t.logger.Info("imported", "notes", len(notes), "bpm", bpm)
	}
	return err
}

// Close stops everything, waits for pending stop-recording hooks and
// drops the subscribers.
func (t *Transport) Close() {
	t.Stop()
	t.hooks.Wait()
	t.bus.Reset()
}
