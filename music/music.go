package music

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	. "github.com/JeanRibes/midi-looper/shared"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
	"gitlab.com/gomidi/quantizer/lib/quantizer"
)

const TICKS = smf.MetricTicks(960)

var ErrNoTracks = errors.New("no tracks in file")

type noteEvent struct {
	tick uint32
	on   bool
	key  uint8
	vel  uint8
}

func beatTicks(beat float64, ticks smf.MetricTicks) uint32 {
	if beat <= 0 {
		return 0
	}
	return uint32(math.Round(beat * float64(ticks)))
}

// Track renders the closed notes as an SMF track, tempo first. Open
// notes are skipped.
func Track(notes []Note, bpm float64, ticks smf.MetricTicks) smf.Track {
	evs := make([]noteEvent, 0, 2*len(notes))
	for _, n := range notes {
		end, ok := n.End()
		if !ok {
			continue
		}
		key := FrequencyKey(n.Frequency)
		on := beatTicks(n.StartBeat, ticks)
		off := beatTicks(end, ticks)
		if off <= on {
			off = on + 1
		}
		evs = append(evs,
			noteEvent{tick: on, on: true, key: key, vel: n.Velocity},
			noteEvent{tick: off, key: key},
		)
	}
	// note-offs go first on a shared tick so a repeated key is not cut
	slices.SortStableFunc(evs, func(a, b noteEvent) int {
		if c := cmp.Compare(a.tick, b.tick); c != 0 {
			return c
		}
		switch {
		case a.on == b.on:
			return 0
		case !a.on:
			return -1
		}
		return 1
	})

	tr := smf.Track{}
	tr.Add(0, smf.MetaTempo(bpm))
	prev := uint32(0)
	for _, ev := range evs {
		if ev.on {
			tr.Add(ev.tick-prev, midi.NoteOn(0, ev.key, ev.vel))
		} else {
			tr.Add(ev.tick-prev, midi.NoteOff(0, ev.key))
		}
		prev = ev.tick
	}
	tr.Close(0)
	return tr
}

// Convert reads the notes of an SMF track. A note-off closes the newest
// open note of its key. Notes left open at the end of the track are
// closed there.
func Convert(tr smf.Track, ticks smf.MetricTicks) (notes []Note, bpm float64) {
	bpm = DefaultBPM
	open := map[uint8][]int{}
	abs := uint32(0)
	toBeats := func(t uint32) float64 {
		return float64(t) / float64(ticks)
	}
	for _, ev := range tr {
		abs += ev.Delta
		var ch, key, vel uint8
		var tempo float64
		msg := midi.Message(ev.Message)
		switch {
		case ev.Message.GetMetaTempo(&tempo):
			bpm = tempo
		case msg.GetNoteStart(&ch, &key, &vel):
			open[key] = append(open[key], len(notes))
			notes = append(notes, Note{
				Frequency: KeyFrequency(key),
				Key:       midi.Note(key).String(),
				StartBeat: toBeats(abs),
				Velocity:  vel,
				NoteOn:    true,
			})
		case msg.GetNoteEnd(&ch, &key):
			stack := open[key]
			if len(stack) == 0 {
				continue
			}
			n := &notes[stack[len(stack)-1]]
			open[key] = stack[:len(stack)-1]
			n.Duration = Beats(math.Max(MinNoteDuration, toBeats(abs)-n.StartBeat))
			n.NoteOn = false
		}
	}
	for i := range notes {
		if notes[i].NoteOn {
			notes[i].Duration = Beats(math.Max(MinNoteDuration, toBeats(abs)-notes[i].StartBeat))
			notes[i].NoteOn = false
		}
	}
	return notes, bpm
}

func WriteSMF(w io.Writer, notes []Note, bpm float64) error {
	f := smf.New()
	f.TimeFormat = TICKS
	if err := f.Add(Track(notes, bpm, TICKS)); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write smf: %w", err)
	}
	return nil
}

// ReadSMF loads the notes of the first track holding any.
func ReadSMF(r io.Reader) ([]Note, float64, error) {
	f, err := smf.ReadFrom(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read smf: %w", err)
	}
	if f.NumTracks() < 1 {
		return nil, 0, ErrNoTracks
	}
	ticks, ok := f.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported time format %v", f.TimeFormat)
	}
	bpm := float64(DefaultBPM)
	for i, tr := range f.Tracks {
		notes, tempo := Convert(tr, ticks)
		if i == 0 {
			bpm = tempo
		}
		if len(notes) > 0 {
			return notes, bpm, nil
		}
	}
	return nil, bpm, nil
}

// Quantize snaps the notes to the grid through the gomidi quantizer.
// Keys and frequencies of the input are kept for the MIDI keys they map to.
func Quantize(notes []Note, bpm float64) ([]Note, error) {
	var in, out bytes.Buffer
	if err := WriteSMF(&in, notes, bpm); err != nil {
		return nil, err
	}
	if err := quantizer.Quantize(&in, &out); err != nil {
		return nil, fmt.Errorf("quantize: %w", err)
	}
	q, _, err := ReadSMF(&out)
	if err != nil {
		return nil, err
	}
	type origin struct {
		key  string
		freq float64
	}
	byKey := map[uint8]origin{}
	for _, n := range notes {
		k := FrequencyKey(n.Frequency)
		if _, seen := byKey[k]; !seen {
			byKey[k] = origin{key: n.Key, freq: n.Frequency}
		}
	}
	for i := range q {
		if o, ok := byKey[FrequencyKey(q[i].Frequency)]; ok {
			q[i].Key = o.key
			q[i].Frequency = o.freq
		}
	}
	return q, nil
}
