package music

import (
	"io"

	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
)

// Scheduler reconciles the log against the clock position once per tick.
type Scheduler struct {
	clock     *Clock
	log       *Log
	engine    Engine
	threshold float64 // beats after StartBeat during which a trigger is on time
	logger    *charmlog.Logger
}

func NewScheduler(clock *Clock, log *Log, engine Engine, threshold float64, logger *charmlog.Logger) *Scheduler {
	if threshold <= 0 {
		threshold = TriggerThreshold
	}
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	return &Scheduler{
		clock:     clock,
		log:       log,
		engine:    engine,
		threshold: threshold,
		logger:    logger,
	}
}

// Reconcile triggers and releases notes for the current beat. Each note
// is triggered and released at most once per loop pass: the Playing
// flag is only cleared here on release and by the clock on wrap.
func (s *Scheduler) Reconcile() (triggered, released int) {
	c := s.clock
	if c.capturing || !c.playing || s.log.Len() == 0 {
		return 0, 0
	}
	cur := c.currentBeat
	for i := range s.log.notes {
		n := &s.log.notes[i]
		end, ok := n.End()
		if !ok {
			continue
		}
		switch {
		case cur >= end && n.Playing:
			s.release(n)
			released++
		case cur > n.StartBeat+s.threshold && !n.Playing && cur < end:
			// the tick cadence jumped over the onset window
			s.logger.Debug("late trigger", "key", n.Key, "start", n.StartBeat, "beat", cur)
			s.trigger(n)
			triggered++
		case n.StartBeat <= cur && cur < n.StartBeat+s.threshold && cur < end && !n.Playing:
			s.trigger(n)
			triggered++
		}
	}
	return triggered, released
}

func (s *Scheduler) trigger(n *Note) {
	if s.engine != nil {
		s.engine.PlayNote(n.Frequency, VoiceID(n.Key))
	}
	n.Playing = true
}

func (s *Scheduler) release(n *Note) {
	if s.engine != nil {
		s.engine.ReleaseNote(VoiceID(n.Key))
	}
	n.Playing = false
}
