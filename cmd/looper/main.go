package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/JeanRibes/midi-looper/config"
	"github.com/JeanRibes/midi-looper/engine"
	"github.com/JeanRibes/midi-looper/music"

	charmlog "github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // autoregisters driver
)

const portName = "midi-looper"

func main() {
	configFile := flag.String("config", "config.yaml", "config file")
	inPort := flag.String("input", "", "MIDI input port name")
	outPort := flag.String("output", "", "MIDI output port name")
	fileName := flag.String("file", "", "load MIDI file")
	serialPort := flag.String("serial", "", "serial keyboard port, \"auto\" for the first one found (overrides serial.port)")
	bpm := flag.Float64("bpm", 0, "tempo")
	bars := flag.Int("bars", 0, "loop length in bars")
	flag.Parse()

	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "looper",
	})
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal(err)
	}
	logger.SetLevel(cfg.Level())
	if *inPort != "" {
		cfg.Midi.Input = *inPort
	}
	if *outPort != "" {
		cfg.Midi.Output = *outPort
	}
	if *bpm > 0 {
		cfg.BPM = *bpm
	}
	if *bars > 0 {
		cfg.LoopBars = *bars
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer midi.CloseDriver()
	in, out, err := openPorts(cfg.Midi.Input, cfg.Midi.Output, logger)
	if err != nil {
		logger.Fatal(err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		logger.Fatal("open output", "err", err)
	}

	queue := engine.Queue(send, 64, logger.WithPrefix("out"))
	eng := engine.New(queue.Send, engine.Options{
		Channel:          cfg.Midi.Channels.Output,
		MetronomeChannel: cfg.Midi.Channels.Metronome,
		ExportDir:        cfg.ExportDir,
		BPM:              cfg.BPM,
	}, logger.WithPrefix("engine"))
	tr := music.New(ctx, eng, cfg.Options(), logger.WithPrefix("transport"))

	l := newLooper(cfg, tr, eng, os.Stdout, logger)
	if *fileName != "" {
		if err := l.load(*fileName); err != nil {
			logger.Error("load", "file", *fileName, "err", err)
		}
	}
	if *serialPort != "" {
		cfg.Serial.Port = *serialPort
	}
	if name, ok := cfg.Serial.Device(); ok {
		if err := l.attachSerial(ctx, name); err != nil {
			logger.Error("serial keyboard", "err", err)
		}
	}

	if err := l.Run(ctx, in); err != nil {
		logger.Error(err)
	}
	tr.Close()
	eng.Panic()
	queue.Close()
	logger.Info("bye")
}

// openPorts finds the configured ports, opening virtual ones when they
// are not there.
func openPorts(inName, outName string, logger *charmlog.Logger) (drivers.In, drivers.Out, error) {
	drv, ok := drivers.Get().(*rtmididrv.Driver)
	if !ok {
		return nil, nil, errors.New("rtmidi driver not registered")
	}
	in, err := midi.FindInPort(inName)
	if inName == "" || err != nil {
		logger.Warn("can't find input, opening a virtual one", "name", inName)
		if in, err = drv.OpenVirtualIn(portName); err != nil {
			return nil, nil, err
		}
	}
	logger.Info("connecting to", "input", in.String())

	out, err := midi.FindOutPort(outName)
	if outName == "" || err != nil {
		logger.Warn("can't find output, opening a virtual one", "name", outName)
		if out, err = drv.OpenVirtualOut(portName); err != nil {
			return nil, nil, err
		}
	}
	logger.Info("connecting to", "output", out.String())
	return in, out, nil
}
