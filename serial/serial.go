// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package serial provides the byte transport to the modem.
//
// It wraps a real UART, exposing a plain io.ReadWriteCloser plus the
// handful of knobs (baud rate, read timeout, hardware flow control, and an
// installable data-available signal) that the at package needs but a bare
// io.ReadWriteCloser doesn't provide.
package serial

import (
	"bytes"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is a byte transport bound to a UART.
//
// Port is safe for concurrent Read and Write, but is intended to be read by
// a single consumer (the at package's line reader) - concurrent readers
// would race for bytes.
type Port struct {
	raw serial.Port

	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	closed   bool
	rxErr    error
	readable func()

	flowControl bool
}

// Option is a construction option for a Port.
type Option func(*config)

type config struct {
	port        string
	baud        int
	flowControl bool
	readTimeout time.Duration
}

// WithPort sets the device path of the serial port, e.g. "/dev/ttyUSB0".
func WithPort(port string) Option {
	return func(c *config) {
		c.port = port
	}
}

// WithBaud sets the baud rate. The default is 115200.
func WithBaud(baud int) Option {
	return func(c *config) {
		c.baud = baud
	}
}

// WithHardwareFlowControl enables RTS/CTS flow control on the link.
//
// Only enable this if both RTS and CTS are wired between host and modem -
// otherwise the modem may stall waiting for a CTS that never arrives.
func WithHardwareFlowControl(enabled bool) Option {
	return func(c *config) {
		c.flowControl = enabled
	}
}

// WithReadTimeout sets the read timeout of the underlying UART, which bounds
// each read made by the Port's internal read goroutine. A zero timeout (the
// default) lets those reads block forever. Port.Read itself is not bounded
// by it: it still blocks until a byte arrives or the port is closed.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readTimeout = d
	}
}

// New opens a serial port using the given options.
func New(options ...Option) (*Port, error) {
	cfg := config{
		port: defaultConfig.port,
		baud: defaultConfig.baud,
	}
	for _, option := range options {
		option(&cfg)
	}
	mode := &serial.Mode{
		BaudRate: cfg.baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	raw, err := serial.Open(cfg.port, mode)
	if err != nil {
		return nil, err
	}
	if cfg.readTimeout > 0 {
		if err := raw.SetReadTimeout(cfg.readTimeout); err != nil {
			raw.Close()
			return nil, err
		}
	}
	if cfg.flowControl {
		if err := raw.SetRTS(true); err != nil {
			raw.Close()
			return nil, err
		}
	}
	p := &Port{raw: raw, flowControl: cfg.flowControl}
	p.cond = sync.NewCond(&p.mu)
	go p.readLoop()
	return p, nil
}

// OnReadable installs a callback invoked whenever a chunk of bytes has
// arrived from the UART and is ready to be Read.
//
// The callback runs on the Port's internal read goroutine - the equivalent
// of an interrupt context for a real UART - and must not block or touch
// any shared state directly; it should hand off to a non-interrupt worker
// (see the event package).
func (p *Port) OnReadable(f func()) {
	p.mu.Lock()
	p.readable = f
	p.mu.Unlock()
}

// readLoop pulls bytes from the underlying port and appends them to buf,
// waking any blocked Read and firing the readable signal.
//
// This is the software rendering of the UART RX interrupt: a single
// goroutine drains the hardware as fast as it can so that, with hardware
// flow control wired, no byte is ever dropped between a readable signal and
// the subsequent Read.
func (p *Port) readLoop() {
	chunk := make([]byte, 256)
	for {
		n, err := p.raw.Read(chunk)
		p.mu.Lock()
		if n > 0 {
			p.buf.Write(chunk[:n])
		}
		if err != nil {
			p.rxErr = err
			p.closed = true
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		cb := p.readable
		p.cond.Broadcast()
		p.mu.Unlock()
		if n > 0 && cb != nil {
			cb()
		}
	}
}

// Read implements io.Reader, blocking until at least one byte is available
// or the port is closed.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, p.rxErr
	}
	return p.buf.Read(b)
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	return p.raw.Write(b)
}

// Close releases the underlying UART.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.raw.Close()
}

// HardwareFlowControl reports whether RTS/CTS flow control is enabled.
//
// Callers without wired hardware flow control must drain OOBs aggressively
// after every send to approximate flow control in software.
func (p *Port) HardwareFlowControl() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flowControl
}
