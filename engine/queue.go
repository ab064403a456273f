package engine

import (
	"errors"
	"sync"

	charmlog "github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2"
)

var ErrClosed = errors.New("output queue closed")

// Out decouples callers from the output port: messages are sent in
// order by one goroutine. Send errors are logged.
type Out struct {
	mu     sync.RWMutex
	closed bool
	queue  chan midi.Message
	done   chan struct{}
}

// Queue starts the sending goroutine. It runs until Close, independently
// of any application context, so the note-offs sent on shutdown still
// reach the port.
func Queue(send func(midi.Message) error, size int, logger *charmlog.Logger) *Out {
	o := &Out{
		queue: make(chan midi.Message, size),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(o.done)
		for msg := range o.queue {
			if err := send(msg); err != nil && logger != nil {
				logger.Error("midi out", "message", msg.String(), "err", err)
			}
		}
	}()
	return o
}

// Send never blocks while the buffer has room.
func (o *Out) Send(m midi.Message) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	o.queue <- m
	return nil
}

// Close rejects further messages and returns once the queued ones have
// been sent.
func (o *Out) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	<-o.done
}
