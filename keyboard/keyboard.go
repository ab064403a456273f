// Package keyboard turns a serial key matrix into MIDI messages.
//
// The board sends one 2-byte frame per key event: a status byte whose
// high bit is set on release, then the key code.
package keyboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2"
	"go.bug.st/serial"
)

// Keymap maps a key code to a MIDI note. Negative values bind the key
// to the controller of the opposite number instead.
type Keymap map[int]int

// ParseKeymap reads one "code:note" pair per line. Blank lines and lines
// starting with # are skipped.
func ParseKeymap(r io.Reader) (Keymap, error) {
	keymap := Keymap{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s := strings.Split(text, ":")
		if len(s) != 2 {
			return nil, fmt.Errorf("line %d: want code:note, got %q", line, text)
		}
		key, err := strconv.Atoi(strings.TrimSpace(s[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		val, err := strconv.Atoi(strings.TrimSpace(s[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if key < 0 || key > 255 || val < -127 || val > 127 {
			return nil, fmt.Errorf("line %d: %d:%d out of range", line, key, val)
		}
		keymap[key] = val
	}
	return keymap, sc.Err()
}

func LoadKeymap(filename string) (Keymap, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open keymap: %w", err)
	}
	defer file.Close()
	return ParseKeymap(file)
}

// Decoder keeps the key state needed to drop auto-repeat. Controller
// keys are momentary: 127 on press, 0 on release.
type Decoder struct {
	keymap   Keymap
	channel  uint8
	velocity uint8
	held     [256]bool
	logger   *charmlog.Logger
}

func NewDecoder(keymap Keymap, channel, velocity uint8, logger *charmlog.Logger) *Decoder {
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	return &Decoder{keymap: keymap, channel: channel, velocity: velocity, logger: logger}
}

// Decode converts one frame. ok is false for repeats and unassigned keys.
func (d *Decoder) Decode(status, code byte) (msg midi.Message, ok bool) {
	noteOn := status>>7 == 0
	if d.held[code] && noteOn {
		return nil, false
	}
	d.held[code] = noteOn

	note, mapped := d.keymap[int(code)]
	switch {
	case !mapped:
		d.logger.Debug("unassigned", "code", code)
		return nil, false
	case note < 0:
		val := uint8(0)
		if noteOn {
			val = 127
		}
		return midi.ControlChange(d.channel, uint8(-note), val), true
	case noteOn:
		return midi.NoteOn(d.channel, uint8(note), d.velocity), true
	default:
		return midi.NoteOff(d.channel, uint8(note)), true
	}
}

// Run decodes frames from r until ctx is done or r fails. A closed
// reader ends Run without error.
func (d *Decoder) Run(ctx context.Context, r io.Reader, handle func(midi.Message)) error {
	buf := make([]byte, 2)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if msg, ok := d.Decode(buf[0], buf[1]); ok {
			handle(msg)
		}
	}
	return ctx.Err()
}

// Open opens the serial port, the first one found if name is empty.
func Open(name string, baud int, logger *charmlog.Logger) (serial.Port, error) {
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	if name == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		if len(ports) == 0 {
			return nil, errors.New("no serial ports found")
		}
		for _, p := range ports {
			logger.Debug("found port", "port", p)
		}
		name = ports[0]
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset %s: %w", name, err)
	}
	logger.Info("serial keyboard", "port", name, "baud", baud)
	return port, nil
}
