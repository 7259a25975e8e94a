// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package event decouples status delivery from the goroutine that detects
// the status change. modem.Session's OOB handlers run on the at engine's
// own goroutine and must not block; Fanout gives them somewhere cheap to
// post to, and runs the application's callback on a dedicated worker
// instead.
package event

import "github.com/go-modem/esp8266at/modem"

// Fanout delivers modem.Event values to a single callback from a worker
// goroutine, decoupled from whatever goroutine posts them.
type Fanout struct {
	events  chan modem.Event
	done    chan struct{}
	stopped chan struct{}
}

// New creates a Fanout that invokes handler for every posted event, until
// Stop is called. The channel is buffered so Post never blocks the modem
// session's OOB dispatch on a slow or absent consumer; overflow drops the
// oldest pending event rather than growing without bound.
func New(handler func(modem.Event)) *Fanout {
	f := &Fanout{
		events:  make(chan modem.Event, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go f.run(handler)
	return f
}

func (f *Fanout) run(handler func(modem.Event)) {
	defer close(f.stopped)
	for {
		select {
		case e := <-f.events:
			handler(e)
		case <-f.done:
			// drain anything already queued before exiting.
			for {
				select {
				case e := <-f.events:
					handler(e)
				default:
					return
				}
			}
		}
	}
}

// Post enqueues e for delivery. If the queue is full, the oldest queued
// event is dropped to make room - a status change that's soon superseded
// (e.g. link down is about to follow a stale link up) matters less than
// keeping Post non-blocking for its caller.
func (f *Fanout) Post(e modem.Event) {
	select {
	case f.events <- e:
		return
	default:
	}
	select {
	case <-f.events:
	default:
	}
	select {
	case f.events <- e:
	default:
	}
}

// Stop drains any queued events through handler and stops the worker.
// It blocks until the worker has exited.
func (f *Fanout) Stop() {
	close(f.done)
	<-f.stopped
}
