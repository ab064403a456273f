// Package config loads the looper settings from a YAML file.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/JeanRibes/midi-looper/music"
	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

type Metronome struct {
	Enabled  bool    `yaml:"enabled"`
	AccentHz float64 `yaml:"accent_hz"`
	NormalHz float64 `yaml:"normal_hz"`
	ClickMs  int     `yaml:"click_ms"`
}

type Midi struct {
	Input    string `yaml:"input"`
	Output   string `yaml:"output"`
	Channels struct {
		Output    uint8 `yaml:"output"`
		Metronome uint8 `yaml:"metronome"`
	} `yaml:"channels"`
}

type Serial struct {
	// Port is the keyboard device, "auto" for the first port found. Empty
	// disables the serial keyboard.
	Port   string `yaml:"port"`
	Baud   int    `yaml:"baud"`
	Keymap string `yaml:"keymap"`
}

type Config struct {
	BPM              float64 `yaml:"bpm"`
	LoopBars         int     `yaml:"loop_bars"`
	LeadInBeats      float64 `yaml:"lead_in_beats"`
	TickRate         float64 `yaml:"tick_rate"`
	TriggerThreshold float64 `yaml:"trigger_threshold"`
	LogLevel         string  `yaml:"log_level"`
	ExportDir        string  `yaml:"export_dir"`

	Metronome Metronome `yaml:"metronome"`
	Midi      Midi      `yaml:"midi"`
	// Controllers maps a looper action (play, record, undo...) to the CC
	// number that triggers it.
	Controllers map[string]uint8 `yaml:"controllers"`
	Serial      Serial           `yaml:"serial"`
}

func Default() Config {
	c := Config{
		BPM:              DefaultBPM,
		LoopBars:         DefaultLoopBars,
		LeadInBeats:      DefaultLeadIn,
		TickRate:         60,
		TriggerThreshold: TriggerThreshold,
		LogLevel:         "info",
		ExportDir:        ".",
		Metronome: Metronome{
			AccentHz: AccentFrequency,
			NormalHz: NormalFrequency,
			ClickMs:  50,
		},
		Controllers: map[string]uint8{
			"play":      20,
			"stop":      21,
			"record":    22,
			"metronome": 23,
			"undo":      24,
			"quantize":  25,
			"export":    26,
			"clear":     27,
			"faster":    28,
			"slower":    29,
			"panic":     30,
		},
		Serial: Serial{
			Baud:   9600,
			Keymap: "keymap.txt",
		},
	}
	c.Midi.Channels.Metronome = 9
	return c
}

// Load reads filename over the defaults. A missing file is not an error.
func Load(filename string) (Config, error) {
	c := Default()
	file, err := os.Open(filename)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if err := c.Decode(file); err != nil {
		return c, fmt.Errorf("%s: %w", filename, err)
	}
	return c, nil
}

// Decode overlays the YAML document read from r, then clamps.
func (c *Config) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	c.clamp()
	return nil
}

func (c *Config) clamp() {
	switch {
	case c.BPM == 0:
		c.BPM = DefaultBPM
	case c.BPM < MinBPM:
		c.BPM = MinBPM
	case c.BPM > MaxBPM:
		c.BPM = MaxBPM
	}
	if c.LoopBars < 1 {
		c.LoopBars = 1
	}
	if c.LeadInBeats < 0 {
		c.LeadInBeats = 0
	}
	if c.TickRate <= 0 {
		c.TickRate = 60
	}
	if c.TriggerThreshold <= 0 {
		c.TriggerThreshold = TriggerThreshold
	}
	if c.Metronome.ClickMs <= 0 {
		c.Metronome.ClickMs = 50
	}
	c.Midi.Channels.Output &= 0x0f
	c.Midi.Channels.Metronome &= 0x0f
	if c.Controllers == nil {
		c.Controllers = map[string]uint8{}
	}
	for name, cc := range c.Controllers {
		c.Controllers[name] = cc & 0x7f
	}
}

// Device returns the port to open, "" meaning the first one found, and
// whether the serial keyboard is enabled at all.
func (s Serial) Device() (name string, enabled bool) {
	switch s.Port {
	case "":
		return "", false
	case "auto":
		return "", true
	}
	return s.Port, true
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() charmlog.Level {
	lvl, err := charmlog.ParseLevel(c.LogLevel)
	if err != nil {
		return charmlog.InfoLevel
	}
	return lvl
}

// Action returns the action bound to a CC number.
func (c Config) Action(cc uint8) (string, bool) {
	for name, n := range c.Controllers {
		if n == cc {
			return name, true
		}
	}
	return "", false
}

// Options builds the transport options.
func (c Config) Options() music.Options {
	return music.Options{
		BPM:              c.BPM,
		LoopBars:         c.LoopBars,
		LeadInBeats:      c.LeadInBeats,
		Metronome:        c.Metronome.Enabled,
		AccentHz:         c.Metronome.AccentHz,
		NormalHz:         c.Metronome.NormalHz,
		ClickDuration:    time.Duration(c.Metronome.ClickMs) * time.Millisecond,
		TriggerThreshold: c.TriggerThreshold,
		TickRate:         c.TickRate,
	}
}
