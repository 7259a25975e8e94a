// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package at provides a low level driver for AT modems.
//
// It is a line- and format-oriented reader/writer over a byte transport: it
// formats and sends commands, matches scanf-style templates against the
// stream of lines coming back, supports literal-byte reads and writes for
// inline binary payloads, and dispatches registered out-of-band (OOB)
// handlers when a line starting with a registered prefix arrives outside a
// pending match.
//
// All device access is serialized through a single goroutine (run), so that
// exactly one command/response exchange or OOB dispatch is in flight at any
// time - the same guarantee spoken of elsewhere as a single shared mutex,
// rendered here the idiomatic Go way.
package at

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// OOBHandler reacts to an unsolicited line arriving outside a pending Recv.
//
// It runs on the AT engine's own goroutine - the same goroutine that would
// otherwise be executing the pending command - so it must not block for
// long and must not call back into the AT's public methods (Send, Recv,
// etc, which would deadlock by trying to resubmit work to the goroutine
// that is calling them). Use the supplied OOBContext instead, which offers
// the same primitives without the resubmission.
type OOBHandler func(ctx *OOBContext, line string)

// OOBContext is the restricted API available to an OOBHandler.
//
// It lets a handler pull the continuation lines of its own unsolicited
// record (e.g. the payload bytes following an "+IPD,id,len:" header) and
// lets it abort the command that is currently pending, if any.
type OOBContext struct {
	a *AT
}

// NextLine reads the next raw input line, without delimiter, performing no
// further OOB dispatch on it. Used by handlers whose record includes
// trailing lines.
func (c *OOBContext) NextLine() (string, bool) {
	return c.a.rawNextLine(context.Background())
}

// ReadExact reads exactly len(buf) raw bytes, e.g. the payload following an
// inline-data header line ending in ':'.
func (c *OOBContext) ReadExact(buf []byte) (int, bool) {
	return c.a.rawReadExact(context.Background(), buf)
}

// Abort makes the currently pending Recv, if any, return ErrAborted as soon
// as it next checks for completion.
func (c *OOBContext) Abort() {
	c.a.abortRequested = true
}

type oobReg struct {
	prefix  string
	handler OOBHandler
}

// inlineReg is a registered header prefix whose line is not delimiter
// terminated - the device follows the header directly with a raw,
// non-delimited payload, as ESP8266 firmware does for "+IPD,id,len:".
type inlineReg struct {
	prefix  string
	handler OOBHandler
}

// AT represents a modem managed using AT commands.
type AT struct {
	transport io.ReadWriter

	reqCh  chan func()
	rawCh  chan []byte
	closed chan struct{}

	// run-loop-only state - touched exclusively by run() and by closures it
	// executes synchronously, so needs no locking despite looking shared.
	buf            []byte
	oobs           []oobReg // checked longest-prefix-first
	inlineOobs     []inlineReg
	timeout        time.Duration
	delimiter      string
	debug          bool
	abortRequested bool
}

// Option is a construction option for an AT.
type Option func(*AT)

// WithTimeout sets the default deadline applied to Recv/Read/Write calls
// that don't carry their own context deadline. The default is 1 second.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.timeout = d
	}
}

// WithDelimiter sets the line delimiter appended by Send and used to split
// incoming lines. The default is "\r\n".
func WithDelimiter(s string) Option {
	return func(a *AT) {
		a.delimiter = s
	}
}

// WithOOB registers an OOB handler during construction.
func WithOOB(prefix string, handler OOBHandler) Option {
	return func(a *AT) {
		a.oobs = append(a.oobs, oobReg{prefix: prefix, handler: handler})
	}
}

// WithDebug sets the debug flag at construction, as DebugOn does.
func WithDebug(enabled bool) Option {
	return func(a *AT) {
		a.debug = enabled
	}
}

// New creates a new AT engine bound to transport.
func New(transport io.ReadWriter, options ...Option) *AT {
	a := &AT{
		transport: transport,
		reqCh:     make(chan func()),
		rawCh:     make(chan []byte, 16),
		closed:    make(chan struct{}),
		timeout:   time.Second,
		delimiter: "\r\n",
	}
	for _, option := range options {
		option(a)
	}
	go a.bytePump()
	go a.run()
	return a
}

// Closed returns a channel which is closed when the transport is broken
// (Read returned an error). Once closed the AT cannot be reused - it must
// be recreated.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// bytePump is the only goroutine that ever calls transport.Read. It hands
// chunks off to the run loop over rawCh - the software equivalent of a
// UART RX interrupt queueing bytes for a non-interrupt worker.
func (a *AT) bytePump() {
	buf := make([]byte, 256)
	for {
		n, err := a.transport.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case a.rawCh <- chunk:
			case <-a.closed:
				return
			}
		}
		if err != nil {
			close(a.rawCh)
			return
		}
	}
}

// run is the only goroutine that ever touches AT's internal state. It
// interleaves servicing requests (Send/Recv/.../OOB registration) with
// draining unsolicited lines when no request is in flight.
func (a *AT) run() {
	defer close(a.closed)
	for {
		select {
		case req, ok := <-a.reqCh:
			if !ok {
				return
			}
			req()
		case chunk, ok := <-a.rawCh:
			if !ok {
				return
			}
			a.buf = append(a.buf, chunk...)
			a.drainIdleLines()
		}
	}
}

// drainIdleLines extracts any complete lines sitting in buf and dispatches
// them to OOB handlers when no command is in flight. Non-matching lines are
// discarded - a line arriving with nothing waiting for it is not an error.
func (a *AT) drainIdleLines() {
	for {
		if header, handler, needMore := a.tryInlineHeader(); handler != nil {
			handler(&OOBContext{a: a}, header)
			continue
		} else if needMore {
			return
		}
		line, ok := a.extractLine()
		if !ok {
			return
		}
		a.dispatchOOB(line)
	}
}

// extractLine pulls one delimited line out of buf, if a full one is
// present.
//
// The device's "send ready" prompt is a bare ">" with no trailing
// delimiter, optionally followed by a space - so a buffer starting with
// '>' is special-cased to a one-byte line.
func (a *AT) extractLine() (string, bool) {
	if len(a.buf) > 0 && a.buf[0] == '>' {
		i := 1
		for i < len(a.buf) && a.buf[i] == ' ' {
			i++
		}
		a.buf = a.buf[i:]
		return ">", true
	}
	idx := strings.Index(string(a.buf), a.delimiter)
	if idx < 0 {
		return "", false
	}
	line := string(a.buf[:idx])
	a.buf = a.buf[idx+len(a.delimiter):]
	return line, true
}

// dispatchOOB routes line to the longest matching registered prefix, if
// any, returning whether a handler consumed it.
func (a *AT) dispatchOOB(line string) bool {
	var best *oobReg
	for i := range a.oobs {
		if strings.HasPrefix(line, a.oobs[i].prefix) {
			if best == nil || len(a.oobs[i].prefix) > len(best.prefix) {
				best = &a.oobs[i]
			}
		}
	}
	if best == nil {
		return false
	}
	best.handler(&OOBContext{a: a}, line)
	return true
}

// OOBInline registers a handler for a header whose line is not terminated
// by the configured delimiter but by a literal ':', immediately followed by
// a raw, non-delimited payload (e.g. "+IPD,0,5:hello" with no CRLF before
// "hello"). The handler receives the header text including the trailing
// ':' and is expected to call ctx.ReadExact to consume the payload itself.
func (a *AT) OOBInline(prefix string, handler OOBHandler) error {
	errCh := make(chan error, 1)
	select {
	case <-a.closed:
		return ErrClosed
	case a.reqCh <- func() {
		for _, r := range a.inlineOobs {
			if r.prefix == prefix {
				errCh <- ErrOOBExists
				return
			}
		}
		a.inlineOobs = append(a.inlineOobs, inlineReg{prefix: prefix, handler: handler})
		errCh <- nil
	}:
		return <-errCh
	}
}

// tryInlineHeader checks whether buf currently starts with a registered
// inline prefix. If so it reports the handler and the header text (status
// ready), or reports needMore if the prefix matched but the terminating
// ':' hasn't arrived yet. If no inline prefix matches at all, the caller
// should fall back to ordinary delimiter-based line extraction.
func (a *AT) tryInlineHeader() (header string, handler OOBHandler, needMore bool) {
	s := string(a.buf)
	for _, r := range a.inlineOobs {
		if strings.HasPrefix(s, r.prefix) {
			idx := strings.IndexByte(s, ':')
			if idx < 0 {
				return "", nil, true
			}
			header = s[:idx+1]
			a.buf = a.buf[idx+1:]
			return header, r.handler, false
		}
	}
	return "", nil, false
}

// OOB registers a handler for lines starting with prefix.
//
// If two registered prefixes both match a line, the longer (more specific)
// one wins.
func (a *AT) OOB(prefix string, handler OOBHandler) error {
	errCh := make(chan error, 1)
	select {
	case <-a.closed:
		return ErrClosed
	case a.reqCh <- func() {
		for _, r := range a.oobs {
			if r.prefix == prefix {
				errCh <- ErrOOBExists
				return
			}
		}
		a.oobs = append(a.oobs, oobReg{prefix: prefix, handler: handler})
		errCh <- nil
	}:
		return <-errCh
	}
}

// CancelOOB removes any handler registered for prefix.
func (a *AT) CancelOOB(prefix string) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.reqCh <- func() {
		for i, r := range a.oobs {
			if r.prefix == prefix {
				a.oobs = append(a.oobs[:i], a.oobs[i+1:]...)
				break
			}
		}
		close(done)
	}:
		<-done
	}
}

// CancelOOBInline removes any inline-header handler registered for prefix.
func (a *AT) CancelOOBInline(prefix string) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.reqCh <- func() {
		for i, r := range a.inlineOobs {
			if r.prefix == prefix {
				a.inlineOobs = append(a.inlineOobs[:i], a.inlineOobs[i+1:]...)
				break
			}
		}
		close(done)
	}:
		<-done
	}
}

// SetTimeout changes the default deadline used by Recv/Read/Write.
func (a *AT) SetTimeout(d time.Duration) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.reqCh <- func() {
		a.timeout = d
		close(done)
	}:
		<-done
	}
}

// SetDelimiter changes the line delimiter used by Send and line splitting.
func (a *AT) SetDelimiter(s string) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.reqCh <- func() {
		a.delimiter = s
		close(done)
	}:
		<-done
	}
}

// DebugOn sets or clears the engine's debug flag. The engine does not read
// the flag: no transport traffic is logged by this package. Traffic logging
// is done by wrapping the transport with the trace package.
func (a *AT) DebugOn(enabled bool) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.reqCh <- func() {
		a.debug = enabled
		close(done)
	}:
		<-done
	}
}

// ProcessOOB drains and dispatches any OOB lines currently buffered,
// without waiting for a command response. Useful when the caller knows the
// device may have sent unsolicited lines and wants them handled promptly
// without issuing a command of its own.
func (a *AT) ProcessOOB() {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.reqCh <- func() {
		a.drainIdleLines()
		close(done)
	}:
		<-done
	}
}

// Send formats a command, appends the delimiter, and writes it to the
// transport.
func (a *AT) Send(ctx context.Context, format string, args ...interface{}) error {
	errCh := make(chan error, 1)
	select {
	case <-a.closed:
		return ErrClosed
	case a.reqCh <- func() {
		cmd := fmt.Sprintf(format, args...) + a.delimiter
		_, err := a.transport.Write([]byte(cmd))
		errCh <- err
	}:
		return <-errCh
	}
}

// Recv consumes input lines until template matches (filling outs per the
// scanf-style verbs it contains), the deadline elapses, or Abort is called
// from within an OOB handler triggered while waiting.
//
// Between lines, if an incoming line starts with a registered OOB prefix,
// the corresponding handler runs before the match resumes.
func (a *AT) Recv(ctx context.Context, template string, outs ...interface{}) error {
	errCh := make(chan error, 1)
	select {
	case <-a.closed:
		return ErrClosed
	case a.reqCh <- func() {
		errCh <- a.recvLocked(ctx, template, outs...)
	}:
		return <-errCh
	}
}

func (a *AT) recvLocked(ctx context.Context, template string, outs ...interface{}) error {
	lineTemplates, err := compileTemplate(template)
	if err != nil {
		return err
	}
	ctx, cancel := a.withDefaultDeadline(ctx)
	defer cancel()
	a.abortRequested = false
	outIdx := 0
	for _, segs := range lineTemplates {
		for {
			line, ok := a.nextLine(ctx)
			if !ok {
				if a.abortRequested {
					return ErrAborted
				}
				if ctx.Err() != nil {
					return ErrTimeout
				}
				return ErrClosed
			}
			start := outIdx
			if matchLine(line, segs, outs, &outIdx) {
				break
			}
			// not this template line - skip it and keep waiting.
			outIdx = start
		}
	}
	return nil
}

// nextLine returns the next line not consumed by an OOB handler, or false
// if the context expired, the engine closed, or Abort was called.
func (a *AT) nextLine(ctx context.Context) (string, bool) {
	for {
		if a.abortRequested {
			return "", false
		}
		if header, handler, needMore := a.tryInlineHeader(); handler != nil {
			handler(&OOBContext{a: a}, header)
			continue
		} else if !needMore {
			if line, ok := a.extractLine(); ok {
				if a.dispatchOOB(line) {
					continue
				}
				return line, true
			}
		}
		select {
		case chunk, ok := <-a.rawCh:
			if !ok {
				return "", false
			}
			a.buf = append(a.buf, chunk...)
		case <-ctx.Done():
			return "", false
		case <-a.closed:
			return "", false
		}
	}
}

// rawNextLine is nextLine without OOB dispatch, for use by an OOB handler
// reading its own continuation lines.
func (a *AT) rawNextLine(ctx context.Context) (string, bool) {
	for {
		if header, handler, needMore := a.tryInlineHeader(); handler != nil {
			handler(&OOBContext{a: a}, header)
			continue
		} else if !needMore {
			if line, ok := a.extractLine(); ok {
				return line, true
			}
		}
		select {
		case chunk, ok := <-a.rawCh:
			if !ok {
				return "", false
			}
			a.buf = append(a.buf, chunk...)
		case <-ctx.Done():
			return "", false
		case <-a.closed:
			return "", false
		}
	}
}

func (a *AT) rawReadExact(ctx context.Context, buf []byte) (int, bool) {
	n, _ := a.readExactLocked(ctx, buf)
	return n, n == len(buf)
}

// Read reads exactly len(buf) raw bytes from the transport - used for
// inline binary payloads following a header line ending in ':'. Returns the
// number of bytes read, which may be short on timeout.
func (a *AT) Read(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	select {
	case <-a.closed:
		return 0, ErrClosed
	case a.reqCh <- func() {
		n, err := a.readExactLocked(ctx, buf)
		resCh <- result{n, err}
	}:
		r := <-resCh
		return r.n, r.err
	}
}

func (a *AT) readExactLocked(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := a.withDefaultDeadline(ctx)
	defer cancel()
	n := 0
	for n < len(buf) {
		if len(a.buf) > 0 {
			c := copy(buf[n:], a.buf)
			a.buf = a.buf[c:]
			n += c
			continue
		}
		select {
		case chunk, ok := <-a.rawCh:
			if !ok {
				return n, ErrClosed
			}
			a.buf = append(a.buf, chunk...)
		case <-ctx.Done():
			return n, ErrTimeout
		case <-a.closed:
			return n, ErrClosed
		}
	}
	return n, nil
}

// Write writes exactly len(buf) raw bytes to the transport - typically
// paired with a preceding Recv(ctx, ">") that waits for the device's
// readiness prompt.
func (a *AT) Write(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	select {
	case <-a.closed:
		return 0, ErrClosed
	case a.reqCh <- func() {
		ctx, cancel := a.withDefaultDeadline(ctx)
		defer cancel()
		_, err := a.transport.Write(buf)
		n := len(buf)
		if err != nil {
			n = 0
		}
		select {
		case <-ctx.Done():
			if err == nil {
				err = ErrTimeout
			}
		default:
		}
		resCh <- result{n, err}
	}:
		r := <-resCh
		return r.n, r.err
	}
}

// withDefaultDeadline applies the configured timeout if ctx carries none.
func (a *AT) withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}
