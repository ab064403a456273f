package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JeanRibes/midi-looper/bus"
	"github.com/JeanRibes/midi-looper/config"
	"github.com/JeanRibes/midi-looper/engine"
	"github.com/JeanRibes/midi-looper/keyboard"
	"github.com/JeanRibes/midi-looper/music"
	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// looper routes the live input to the transport and runs the
// controller actions one at a time.
type looper struct {
	cfg     config.Config
	tr      *music.Transport
	eng     *engine.MIDI // nil when nothing is sounded
	out     io.Writer
	logger  *charmlog.Logger
	actions chan string
	subs    []bus.Subscription
}

func newLooper(cfg config.Config, tr *music.Transport, eng *engine.MIDI, out io.Writer, logger *charmlog.Logger) *looper {
	return &looper{
		cfg:     cfg,
		tr:      tr,
		eng:     eng,
		out:     out,
		logger:  logger.WithPrefix("loop"),
		actions: make(chan string, 16),
	}
}

// handle is the input callback. It runs on the driver goroutine and
// never blocks on the control loop.
func (l *looper) handle(msg midi.Message) {
	var ch, key, vel uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		l.tr.NoteOn(music.NoteInput{
			Frequency: KeyFrequency(key),
			Key:       midi.Note(key).String(),
			Velocity:  vel,
		})
		l.thru(msg)
	case msg.GetNoteEnd(&ch, &key):
		l.tr.NoteOff(midi.Note(key).String())
		l.thru(msg)
	case msg.GetControlChange(&ch, &key, &vel):
		action, ok := l.cfg.Action(key)
		if !ok {
			l.thru(msg)
			return
		}
		if vel == 0 {
			return
		}
		select {
		case l.actions <- action:
		default:
			l.logger.Warn("dropped controller action", "action", action)
		}
	default:
		l.thru(msg)
	}
}

func (l *looper) thru(msg midi.Message) {
	if l.eng != nil {
		l.eng.Thru(msg)
	}
}

// do runs one controller action.
func (l *looper) do(action string) error {
	s := l.tr.State()
	switch action {
	case "play":
		if s.IsPlaying {
			l.tr.Stop()
		} else {
			l.tr.Play()
		}
	case "stop":
		l.tr.Stop()
	case "record":
		if s.IsRecording {
			l.tr.StopRecording(context.Background())
		} else {
			l.tr.Record()
		}
	case "metronome":
		l.tr.SetMetronomeEnabled(!s.MetronomeEnabled)
	case "undo":
		if n, ok := l.tr.UndoNote(); ok {
			l.logger.Info("undo", "key", n.Key, "start", n.StartBeat)
		}
	case "clear":
		l.tr.ClearMidiNotes()
	case "quantize":
		return l.tr.Quantize()
	case "export":
		name := filepath.Join(l.cfg.ExportDir, fmt.Sprintf("loop-%s.mid", time.Now().Format("20060102-150405")))
		return l.save(name)
	case "faster", "slower":
		bpm := s.BPM + 5
		if action == "slower" {
			bpm = s.BPM - 5
		}
		l.setBPM(bpm)
	case "panic":
		if l.eng != nil {
			l.eng.Panic()
		}
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

func (l *looper) setBPM(bpm float64) {
	l.tr.SetBPM(bpm)
	if l.eng != nil {
		l.eng.SetBPM(l.tr.State().BPM)
	}
}

func (l *looper) save(name string) error {
	if !strings.HasSuffix(name, ".mid") {
		name += ".mid"
	}
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := l.tr.ExportSMF(file); err != nil {
		file.Close()
		return err
	}
	l.logger.Info("saved", "file", name)
	return file.Close()
}

func (l *looper) load(name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := l.tr.ImportSMF(file); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if l.eng != nil {
		l.eng.SetBPM(l.tr.State().BPM)
	}
	return nil
}

// attachSerial feeds a serial key matrix into the same input path as
// the MIDI port.
func (l *looper) attachSerial(ctx context.Context, name string) error {
	keymap, err := keyboard.LoadKeymap(l.cfg.Serial.Keymap)
	if err != nil {
		return err
	}
	port, err := keyboard.Open(name, l.cfg.Serial.Baud, l.logger)
	if err != nil {
		return err
	}
	dec := keyboard.NewDecoder(keymap, l.cfg.Midi.Channels.Output, DefaultVelocity, l.logger.WithPrefix("serial"))
	go func() {
		defer port.Close()
		if err := dec.Run(ctx, port, l.handle); err != nil && ctx.Err() == nil {
			l.logger.Error("serial keyboard", "err", err)
		}
	}()
	return nil
}

// watch prints the status line on every beat and logs the transport
// events.
func (l *looper) watch() {
	st := newStatus(l.out)
	l.subs = append(l.subs,
		l.tr.Subscribe(BeatChanged, func(Message) {
			st.print(l.tr.State(), len(l.tr.MidiNotes()))
		}),
		l.tr.Subscribe(RecordingStart, func(Message) {
			l.logger.Info("lead-in")
		}),
		l.tr.Subscribe(RecordingActualStart, func(Message) {
			l.logger.Info("recording")
		}),
		l.tr.Subscribe(RecordingStop, func(m Message) {
			l.logger.Info("recorded", "notes", len(m.Notes))
		}),
		l.tr.Subscribe(LoopComplete, func(Message) {
			l.logger.Debug("loop")
		}),
		l.tr.Subscribe(PlaybackStop, func(Message) {
			st.print(l.tr.State(), len(l.tr.MidiNotes()))
		}),
		l.tr.Subscribe(Error, func(m Message) {
			l.logger.Error("transport", "err", m.Err)
		}),
	)
}

func (l *looper) unwatch() {
	for _, s := range l.subs {
		l.tr.Unsubscribe(s)
	}
	l.subs = nil
}

// Run listens to in and executes controller actions until ctx is done.
func (l *looper) Run(ctx context.Context, in drivers.In) error {
	l.logger.Info("start")
	l.watch()
	defer l.unwatch()

	if in != nil {
		stop, err := midi.ListenTo(in, func(msg midi.Message, absms int32) {
			l.handle(msg)
		})
		if err != nil {
			return fmt.Errorf("listen to %s: %w", in.String(), err)
		}
		defer stop()
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("context done")
			return nil
		case action := <-l.actions:
			l.logger.Debug("action", "name", action)
			if err := l.do(action); err != nil {
				l.logger.Error(action, "err", err)
			}
		}
	}
}
