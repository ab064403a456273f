// Package engine sounds the looper through a MIDI output port.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JeanRibes/midi-looper/music"
	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const allNotesOff = 123

// Options sets the output channels, where takes are saved and the tempo
// written into them.
type Options struct {
	Channel          uint8
	MetronomeChannel uint8
	ExportDir        string
	BPM              float64
}

// MIDI implements music.Engine on top of a send function. Voices map to
// the MIDI key they are sounding so ReleaseNote can turn them off.
type MIDI struct {
	mu        sync.Mutex
	send      func(midi.Message) error
	opts      Options
	voices    map[string]uint8
	recording bool
	take      smf.Track
	last      time.Time
	takes     int

	now    func() time.Time
	after  func(time.Duration, func())
	logger *charmlog.Logger
}

var _ music.Engine = (*MIDI)(nil)

func New(send func(midi.Message) error, opts Options, logger *charmlog.Logger) *MIDI {
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	if opts.BPM <= 0 {
		opts.BPM = DefaultBPM
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}
	return &MIDI{
		send:   send,
		opts:   opts,
		voices: map[string]uint8{},
		now:    time.Now,
		after:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		logger: logger,
	}
}

func (m *MIDI) write(msg midi.Message) {
	if err := m.send(msg); err != nil {
		m.logger.Error("send", "message", msg.String(), "err", err)
	}
}

// capture appends msg to the take being recorded. Callers hold mu.
func (m *MIDI) capture(msg midi.Message) {
	if !m.recording {
		return
	}
	now := m.now()
	delta := music.TICKS.Ticks(m.opts.BPM, now.Sub(m.last))
	m.last = now
	m.take.Add(delta, msg)
}

func (m *MIDI) PlayNote(frequency float64, voice string) {
	key := FrequencyKey(frequency)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.voices[voice]; ok {
		off := midi.NoteOff(m.opts.Channel, prev)
		m.write(off)
		m.capture(off)
	}
	m.voices[voice] = key
	on := midi.NoteOn(m.opts.Channel, key, DefaultVelocity)
	m.write(on)
	m.capture(on)
}

func (m *MIDI) ReleaseNote(voice string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.voices[voice]
	if !ok {
		return
	}
	delete(m.voices, voice)
	off := midi.NoteOff(m.opts.Channel, key)
	m.write(off)
	m.capture(off)
}

// PlayMetronomeClick plays the key nearest to frequency on the metronome
// channel for duration. Clicks are never recorded.
func (m *MIDI) PlayMetronomeClick(frequency float64, duration time.Duration) {
	key := FrequencyKey(frequency)
	ch := m.opts.MetronomeChannel
	m.write(midi.NoteOn(ch, key, DefaultVelocity))
	m.after(duration, func() {
		m.write(midi.NoteOff(ch, key))
	})
}

// Thru forwards a live input message to the output, recording it while
// a take is open.
func (m *MIDI) Thru(msg midi.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(msg)
	m.capture(msg)
}

func (m *MIDI) StartRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = true
	m.take = smf.Track{}
	m.take.Add(0, smf.MetaTempo(m.opts.BPM))
	m.last = m.now()
	m.logger.Debug("take started")
}

// StopRecording closes the take and writes it to the export directory.
func (m *MIDI) StopRecording(ctx context.Context) error {
	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return nil
	}
	m.recording = false
	take := m.take
	m.take = nil
	m.takes++
	name := fmt.Sprintf("take-%s-%d.mid", m.now().Format("20060102-150405"), m.takes)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("take not saved: %w", err)
	}
	path := filepath.Join(m.opts.ExportDir, name)
	if err := SaveTake(path, take); err != nil {
		return err
	}
	m.logger.Info("take saved", "file", path)
	return nil
}

// SaveTake writes a single track file.
func SaveTake(path string, take smf.Track) (errs error) {
	take.Close(0)
	f := smf.New()
	f.TimeFormat = music.TICKS
	if err := f.Add(take); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Join(errs, err)
	}
	if err := f.WriteFile(path); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

// SetBPM sets the tempo the take is timestamped at. The engine keeps its
// own copy since its hooks run under the transport lock.
func (m *MIDI) SetBPM(bpm float64) {
	m.mu.Lock()
	m.opts.BPM = bpm
	m.mu.Unlock()
}

// Panic releases every sounding voice and sends all-notes-off.
func (m *MIDI) Panic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for voice, key := range m.voices {
		m.write(midi.NoteOff(m.opts.Channel, key))
		delete(m.voices, voice)
	}
	m.write(midi.ControlChange(m.opts.Channel, allNotesOff, 0))
}

// Sounding reports how many voices are held.
func (m *MIDI) Sounding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}
