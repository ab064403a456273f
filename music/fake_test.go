package music

import (
	"context"
	"sync"
	"time"

	"github.com/JeanRibes/midi-looper/bus"
	. "github.com/JeanRibes/midi-looper/shared"
)

type engineCall struct {
	kind  string
	freq  float64
	voice string
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []engineCall
	started int
	stopped int
	stopErr error
}

func (e *fakeEngine) record(c engineCall) {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()
}

func (e *fakeEngine) PlayNote(freq float64, voice string) {
	e.record(engineCall{kind: "play", freq: freq, voice: voice})
}

func (e *fakeEngine) ReleaseNote(voice string) {
	e.record(engineCall{kind: "release", voice: voice})
}

func (e *fakeEngine) PlayMetronomeClick(freq float64, _ time.Duration) {
	e.record(engineCall{kind: "click", freq: freq})
}

func (e *fakeEngine) StartRecording() {
	e.mu.Lock()
	e.started++
	e.mu.Unlock()
}

func (e *fakeEngine) StopRecording(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
	return e.stopErr
}

func (e *fakeEngine) count(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (e *fakeEngine) last(kind string) (engineCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.calls) - 1; i >= 0; i-- {
		if e.calls[i].kind == kind {
			return e.calls[i], true
		}
	}
	return engineCall{}, false
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) after(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// fire runs the i-th timer even if it was stopped, as a timer that had
// already been dispatched would.
func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	f := ft.timers[i].f
	ft.mu.Unlock()
	f()
}

func (ft *fakeTimers) len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

// counter tallies published events.
type counter struct {
	mu     sync.Mutex
	counts map[Event]int
	msgs   map[Event][]Message
}

func newCounter(b *bus.Bus, events ...Event) *counter {
	c := &counter{counts: map[Event]int{}, msgs: map[Event][]Message{}}
	for _, ev := range events {
		b.Subscribe(ev, func(m Message) {
			c.mu.Lock()
			c.counts[m.Type]++
			c.msgs[m.Type] = append(c.msgs[m.Type], m)
			c.mu.Unlock()
		})
	}
	return c
}

func (c *counter) n(ev Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ev]
}

func (c *counter) messages(ev Event) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs[ev]...)
}

// rig wires the single-threaded components without a Transport.
type rig struct {
	bus    *bus.Bus
	engine *fakeEngine
	log    *Log
	clock  *Clock
	sched  *Scheduler
	rec    *Recorder
	timers *fakeTimers
}

func newRig(cfg ClockConfig) *rig {
	r := &rig{
		bus:    bus.New(nil),
		engine: &fakeEngine{},
		timers: &fakeTimers{},
	}
	r.log = NewLog(r.bus)
	r.clock = NewClock(cfg, r.log, r.engine, r.bus, nil)
	r.sched = NewScheduler(r.clock, r.log, r.engine, 0, nil)
	r.rec = NewRecorder(RecorderConfig{
		LeadInBeats: 4,
		AfterFunc:   r.timers.after,
		Async:       func(f func()) { f() },
	}, r.clock, r.log, r.engine, r.bus, nil)
	return r
}

// at puts the playhead on beat and reconciles.
func (r *rig) at(beat float64) (triggered, released int) {
	r.clock.currentBeat = beat
	return r.sched.Reconcile()
}
