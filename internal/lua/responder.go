package lua

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/events"
)

// Responder feeds connection events to an Engine and sends back whatever
// the script returns.
type Responder struct {
	engine *Engine
	sender Sender
	logger *logrus.Logger
}

func NewResponder(engine *Engine, sender Sender, logger *logrus.Logger) *Responder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Responder{engine: engine, sender: sender, logger: logger}
}

// Handle reacts to ConnectionOpened and MessageReceived; other events are
// ignored. Script errors are returned so the caller can surface them; the
// connection itself is left alone.
func (r *Responder) Handle(e events.Event) error {
	var (
		reply []byte
		ok    bool
		err   error
	)

	switch e.Kind {
	case events.ConnectionOpened:
		reply, ok, err = r.engine.OnConnect(e.Address)
	case events.MessageReceived:
		reply, ok, err = r.engine.OnMessage(e.Address, e.Payload)
	default:
		return nil
	}
	if err != nil || !ok {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"address": e.Address,
		"bytes":   len(reply),
	}).Debug("Script reply")
	return r.sender.SendTo(e.Address, reply)
}
