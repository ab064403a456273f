package music

import (
	"fmt"
	"io"
	"math"
	"time"

	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
)

// wrapEpsilon absorbs float drift when deltas sum exactly to a loop.
const wrapEpsilon = 1e-9

// ClockConfig holds the initial tempo, loop and metronome settings.
type ClockConfig struct {
	BPM           float64
	LoopBars      int
	Metronome     bool
	AccentHz      float64
	NormalHz      float64
	ClickDuration time.Duration
	Now           func() time.Time
}

// Clock integrates elapsed time into a looping beat position and owns
// the transport flags.
type Clock struct {
	bpm             float64
	beatsPerBar     int
	loopLengthBars  int
	loopLengthBeats float64
	currentBeat     float64
	currentBar      int

	playing   bool
	recording bool
	leadIn    bool
	capturing bool
	metronome bool

	lastTimestamp time.Time // zero while stopped
	lastBeat      int       // last floor(beat) announced, -1 = none yet
	lastBar       int

	accentHz      float64
	normalHz      float64
	clickDuration time.Duration
	now           func() time.Time

	log    *Log
	engine Engine
	pub    Publisher
	logger *charmlog.Logger
}

// State is a snapshot of the clock.
type State struct {
	BPM               float64
	BeatsPerBar       int
	LoopLengthBars    int
	LoopLengthBeats   float64
	IsPlaying         bool
	IsRecording       bool
	IsRecordingLeadIn bool
	IsRecordingMidi   bool
	MetronomeEnabled  bool
	CurrentBeat       float64
	CurrentBar        int
	FormattedTime     string
	Progress          float64
}

func NewClock(cfg ClockConfig, log *Log, engine Engine, pub Publisher, logger *charmlog.Logger) *Clock {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	if cfg.BPM == 0 {
		cfg.BPM = DefaultBPM
	}
	if cfg.LoopBars == 0 {
		cfg.LoopBars = DefaultLoopBars
	}
	if cfg.AccentHz <= 0 {
		cfg.AccentHz = AccentFrequency
	}
	if cfg.NormalHz <= 0 {
		cfg.NormalHz = NormalFrequency
	}
	if cfg.ClickDuration <= 0 {
		cfg.ClickDuration = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Clock{
		beatsPerBar:   BeatsPerBar,
		metronome:     cfg.Metronome,
		accentHz:      cfg.AccentHz,
		normalHz:      cfg.NormalHz,
		clickDuration: cfg.ClickDuration,
		now:           cfg.Now,
		lastBeat:      -1,
		lastBar:       -1,
		log:           log,
		engine:        engine,
		pub:           pub,
		logger:        logger,
	}
	c.SetBPM(cfg.BPM)
	c.SetLoopLengthBars(cfg.LoopBars)
	if log != nil {
		log.clock = c
	}
	return c
}

// Play starts counting from the current position.
func (c *Clock) Play() {
	if c.playing {
		return
	}
	c.playing = true
	c.lastTimestamp = c.now()
	c.lastBeat = -1
	c.lastBar = -1
	c.logger.Debug("play", "bpm", c.bpm, "loop", c.loopLengthBeats)
	c.pub.Publish(PlaybackStart, Message{})
}

// Stop halts playback and rewinds to the loop start.
func (c *Clock) Stop() {
	if !c.playing {
		return
	}
	c.playing = false
	c.lastTimestamp = time.Time{}
	c.currentBeat = 0
	c.currentBar = 0
	c.releaseSounding()
	c.logger.Debug("stop")
	c.pub.Publish(PlaybackStop, Message{})
}

// Tick advances by the wall time elapsed since the previous tick.
func (c *Clock) Tick(now time.Time) {
	if !c.playing {
		return
	}
	if c.lastTimestamp.IsZero() {
		c.lastTimestamp = now
		return
	}
	dt := now.Sub(c.lastTimestamp)
	if dt < 0 {
		return
	}
	c.lastTimestamp = now
	c.Advance(dt.Seconds())
}

// Advance moves the position by deltaTime seconds at the current tempo.
func (c *Clock) Advance(deltaTime float64) {
	if !c.playing || deltaTime <= 0 {
		return
	}
	c.currentBeat += c.bpm / 60 * deltaTime
	if c.currentBeat >= c.loopLengthBeats-wrapEpsilon {
		c.wrap()
	} else {
		c.currentBar = int(math.Floor(c.currentBeat / float64(c.beatsPerBar)))
	}
	if c.currentBar != c.lastBar {
		c.lastBar = c.currentBar
		c.pub.Publish(BarChanged, Message{Bar: c.currentBar, Beat: int(math.Floor(c.currentBeat))})
	}
	c.announceBeat()
}

func (c *Clock) wrap() {
	c.currentBeat = 0
	c.currentBar = 0
	c.releaseSounding()
	c.logger.Debug("loop complete")
	c.pub.Publish(LoopComplete, Message{})
}

// releaseSounding releases the notes still held and clears every
// Playing flag so the next pass can trigger them again.
func (c *Clock) releaseSounding() {
	if c.log == nil {
		return
	}
	for i := range c.log.notes {
		n := &c.log.notes[i]
		if n.Playing && c.engine != nil {
			c.engine.ReleaseNote(VoiceID(n.Key))
		}
		n.Playing = false
	}
}

func (c *Clock) announceBeat() {
	beat := int(math.Floor(c.currentBeat))
	if beat == c.lastBeat {
		return
	}
	c.lastBeat = beat
	inBar := beat % c.beatsPerBar
	if (c.metronome || c.leadIn) && c.engine != nil {
		freq := c.normalHz
		if inBar == 0 {
			freq = c.accentHz
		}
		c.engine.PlayMetronomeClick(freq, c.clickDuration)
	}
	c.pub.Publish(BeatChanged, Message{Beat: beat, Bar: c.currentBar, BeatInBar: inBar})
}

// SetBPM clamps bpm to [MinBPM, MaxBPM].
func (c *Clock) SetBPM(bpm float64) {
	c.bpm = math.Max(MinBPM, math.Min(MaxBPM, bpm))
}

// SetLoopLengthBars resizes the loop. A position beyond the new end
// wraps to the start.
func (c *Clock) SetLoopLengthBars(bars int) {
	if bars < 1 {
		bars = 1
	}
	c.loopLengthBars = bars
	c.loopLengthBeats = float64(c.beatsPerBar * bars)
	if c.currentBeat >= c.loopLengthBeats {
		c.wrap()
	}
}

func (c *Clock) SetMetronomeEnabled(enabled bool) {
	c.metronome = enabled
}

func (c *Clock) BPM() float64 {
	return c.bpm
}

func (c *Clock) Beat() float64 {
	return c.currentBeat
}

func (c *Clock) Playing() bool {
	return c.playing
}

func (c *Clock) Capturing() bool {
	return c.capturing
}

// FormattedTime renders the position as "BB:bb:s.s", bar and beat
// 1-indexed.
func (c *Clock) FormattedTime() string {
	whole := math.Floor(c.currentBeat)
	beat := int(whole)%c.beatsPerBar + 1
	tenths := int(math.Floor((c.currentBeat-whole)*10 + wrapEpsilon))
	if tenths > 9 {
		tenths = 9
	}
	return fmt.Sprintf("%02d:%02d:0.%d", c.currentBar+1, beat, tenths)
}

func (c *Clock) Progress() float64 {
	return c.currentBeat / c.loopLengthBeats * 100
}

func (c *Clock) State() State {
	return State{
		BPM:               c.bpm,
		BeatsPerBar:       c.beatsPerBar,
		LoopLengthBars:    c.loopLengthBars,
		LoopLengthBeats:   c.loopLengthBeats,
		IsPlaying:         c.playing,
		IsRecording:       c.recording,
		IsRecordingLeadIn: c.leadIn,
		IsRecordingMidi:   c.capturing,
		MetronomeEnabled:  c.metronome,
		CurrentBeat:       c.currentBeat,
		CurrentBar:        c.currentBar,
		FormattedTime:     c.FormattedTime(),
		Progress:          c.Progress(),
	}
}
