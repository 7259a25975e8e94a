// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package modem implements the ESP8266 AT command set on top of the at
// package: Wi-Fi association, address queries, scanning, and open/close/
// send/receive on up to SocketCount numbered sockets, plus every OOB
// handler that reacts to the device's unsolicited notifications.
package modem

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-modem/esp8266at/at"
	"github.com/go-modem/esp8266at/info"
)

// anyLine captures an entire received line verbatim - \x00 never appears in
// the text protocol, so excluding only it amounts to an unbounded capture.
const anyLine = "%[^\x00]"

// StatusHandler is notified of link and per-socket status changes. The
// session calls it synchronously: from its OOB handlers, on the at engine's
// goroutine, and from the goroutine calling Connect or Disconnect.
type StatusHandler func(event Event)

// Event is a link or socket status change delivered to a StatusHandler.
type Event struct {
	Kind   EventKind
	Socket int // valid when Kind is EventSocketClosed or EventSocketReadable
}

// EventKind discriminates the Event union.
type EventKind int

// Event kinds fired by the session.
const (
	EventLinkUp EventKind = iota
	EventLinkDown
	EventSocketClosed
	EventSocketReadable
)

// pendingOutcome is the owned record an in-flight command's OOB handlers
// write into; reset at the start of the command and read once at its
// control point, replacing the source's session-scope transient booleans.
type pendingOutcome struct {
	alreadyConnected bool
	unlinked         bool
	fail             bool
	failCode         int
	sendFail         bool
}

// Logger is the sink driver warnings are written to - the same Printf
// shape as trace.Logger, so a caller can share one sink across both.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Session is the ESP8266 AT command layer built on an at.AT engine.
type Session struct {
	eng *at.AT

	mu      sync.Mutex
	slots   [SocketCount]socketSlot
	queue   *receiveQueue
	pending pendingOutcome
	linkUp  bool

	// passiveTCP, once set by a successful EnablePassiveTCP, switches TCP
	// receive from the active/push +IPD framing to the pull protocol:
	// passiveAvail tracks bytes the device has reported but not yet
	// pulled per socket id, and pullID records which id a CIPRECVDATA
	// request currently in flight is for, so the inline response handler
	// (which carries no id of its own) can attribute the payload.
	passiveTCP   bool
	passiveAvail [SocketCount]int
	pullID       int

	notifyMu sync.Mutex
	notifyCh chan struct{}

	onEvent StatusHandler
	logger  Logger

	// hwFlowControl, when false, makes Send drain pending OOBs immediately
	// after each completion to approximate flow control in software.
	hwFlowControl bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithSocketCeiling overrides the default receive-queue byte ceiling.
func WithSocketCeiling(n int) Option {
	return func(s *Session) {
		s.queue = newReceiveQueue(n)
	}
}

// WithHardwareFlowControl tells the session the serial link has RTS/CTS
// wired, so it need not aggressively drain OOBs after each Send.
func WithHardwareFlowControl(enabled bool) Option {
	return func(s *Session) {
		s.hwFlowControl = enabled
	}
}

// WithStatusHandler installs the callback invoked for link and socket
// status changes. It is called synchronously from the session's OOB
// handlers (which already run off the transport's read goroutine via the
// at engine) - wire it to the event package's Fanout.Post for further
// decoupling from that goroutine if the handler itself may block.
func WithStatusHandler(h StatusHandler) Option {
	return func(s *Session) {
		s.onEvent = h
	}
}

// WithLogger installs the sink used for driver warnings, e.g. a receive
// queue ceiling drop. Defaults to the standard logger on stderr.
func WithLogger(l Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// New creates a Session bound to eng, registering every OOB handler the
// ESP8266 command set requires.
func New(eng *at.AT, options ...Option) *Session {
	s := &Session{
		eng:      eng,
		queue:    newReceiveQueue(DefaultSocketCeiling),
		notifyCh: make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s.registerOOBHandlers()
	return s
}

// warnf writes a driver warning through the installed Logger.
func (s *Session) warnf(format string, v ...interface{}) {
	s.logger.Printf(format, v...)
}

func (s *Session) registerOOBHandlers() {
	s.eng.OOBInline("+IPD,", s.handleIPD)
	for id := 0; id < SocketCount; id++ {
		id := id
		s.eng.OOB(fmt.Sprintf("%d,CLOSED", id), func(_ *at.OOBContext, _ string) {
			s.mu.Lock()
			s.slots[id].open = false
			s.mu.Unlock()
			s.signal()
			s.fire(Event{Kind: EventSocketClosed, Socket: id})
		})
	}
	s.eng.OOB("ALREADY CONNECTED", func(c *at.OOBContext, _ string) {
		s.mu.Lock()
		s.pending.alreadyConnected = true
		s.mu.Unlock()
		c.Abort()
	})
	s.eng.OOB("UNLINK", func(_ *at.OOBContext, _ string) {
		s.mu.Lock()
		s.pending.unlinked = true
		s.mu.Unlock()
	})
	s.eng.OOB("SEND FAIL", func(c *at.OOBContext, _ string) {
		s.mu.Lock()
		s.pending.sendFail = true
		s.mu.Unlock()
		c.Abort()
	})
	s.eng.OOB("SEND OK", func(c *at.OOBContext, _ string) {
		c.Abort()
	})
	s.eng.OOB("+CWJAP:", func(c *at.OOBContext, line string) {
		code, _ := strconv.Atoi(strings.TrimSpace(info.TrimPrefix(line, "+CWJAP:")))
		c.NextLine() // swallow the trailing "FAIL" line
		s.mu.Lock()
		s.pending.fail = true
		s.pending.failCode = code
		s.mu.Unlock()
		c.Abort()
	})
	s.eng.OOB("WIFI GOT IP", func(_ *at.OOBContext, _ string) {
		s.setLinkUp(true)
	})
	s.eng.OOB("WIFI DISCONNECT", func(_ *at.OOBContext, _ string) {
		s.setLinkUp(false)
	})
}

func (s *Session) setLinkUp(up bool) {
	s.mu.Lock()
	changed := s.linkUp != up
	s.linkUp = up
	s.mu.Unlock()
	if !changed {
		return
	}
	if up {
		s.fire(Event{Kind: EventLinkUp})
	} else {
		s.fire(Event{Kind: EventLinkDown})
	}
}

func (s *Session) fire(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

// signal wakes any goroutine blocked in a recv waiting on queue activity -
// the standard close-and-replace idiom for broadcasting without a condition
// variable, which composes more directly with context cancellation.
func (s *Session) signal() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

func (s *Session) waitCh() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

func (s *Session) resetPending() {
	s.mu.Lock()
	s.pending = pendingOutcome{}
	s.mu.Unlock()
}

// Reset issues AT+RST and waits for the device to reboot and announce
// readiness.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.eng.Send(ctx, "AT+RST"); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK\r\nready"); err != nil {
		return ErrDeviceError
	}
	return nil
}

// ATAvailable pings the device with a bare AT command.
func (s *Session) ATAvailable(ctx context.Context) error {
	if err := s.eng.Send(ctx, "AT"); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	return nil
}

// Startup sets the Wi-Fi mode and enables multi-connection mode, which the
// socket layer requires.
func (s *Session) Startup(ctx context.Context, mode WifiMode) error {
	if err := s.eng.Send(ctx, "AT+CWMODE_CUR=%d", mode); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Send(ctx, "AT+CIPMUX=1"); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	return nil
}

// SetDHCP enables or disables DHCP for the given interface mode (0 -
// SoftAP, 1 - Station, 2 - both), returning ErrDHCPFailure rather than the
// generic ErrDeviceError if the device rejects the command - matching
// ESP8266Interface::connect's mapping of a failed dhcp() call.
func (s *Session) SetDHCP(ctx context.Context, mode int, enabled bool) error {
	en := 0
	if enabled {
		en = 1
	}
	if err := s.eng.Send(ctx, "AT+CWDHCP_CUR=%d,%d", mode, en); err != nil {
		return ErrDHCPFailure
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDHCPFailure
	}
	return nil
}

// ATVersion queries the AT command-set version (AT version:a.b.c.d).
func (s *Session) ATVersion(ctx context.Context) (Version, error) {
	return s.queryVersion(ctx, "AT version:")
}

// SDKVersion queries the underlying SDK version (SDK version:a.b.c).
//
// Older firmware omits the "SDK version:" line entirely; ok reports
// whether it was present, letting callers distinguish "not reported" from
// "reported as 0.0.0".
func (s *Session) SDKVersion(ctx context.Context) (v Version, ok bool, err error) {
	if err = s.eng.Send(ctx, "AT+GMR"); err != nil {
		return Version{}, false, ErrDeviceError
	}
	for {
		var line string
		if rerr := s.eng.Recv(ctx, anyLine, &line); rerr != nil {
			return Version{}, false, ErrDeviceError
		}
		switch {
		case line == "OK":
			return v, ok, nil
		case info.HasPrefix(line, "SDK version:"):
			v = parseVersion(info.TrimPrefix(line, "SDK version:"))
			ok = true
		}
	}
}

func (s *Session) queryVersion(ctx context.Context, prefix string) (Version, error) {
	if err := s.eng.Send(ctx, "AT+GMR"); err != nil {
		return Version{}, ErrDeviceError
	}
	var v Version
	found := false
	for {
		var line string
		if err := s.eng.Recv(ctx, anyLine, &line); err != nil {
			return Version{}, ErrDeviceError
		}
		switch {
		case line == "OK":
			if !found {
				return Version{}, ErrDeviceError
			}
			return v, nil
		case info.HasPrefix(line, prefix):
			v = parseVersion(info.TrimPrefix(line, prefix))
			found = true
		}
	}
}

func parseVersion(s string) Version {
	var v Version
	at.Scan(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	return v
}

// StartUARTHwFlowControl enables RTS/CTS on the link, provided both signals
// are wired between host and modem.
func (s *Session) StartUARTHwFlowControl(ctx context.Context) error {
	if err := s.eng.Send(ctx, "AT+UART_CUR=%d,8,1,0,3", DefaultBaud); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	return nil
}

// StopUARTHwFlowControl disables RTS/CTS on the link.
func (s *Session) StopUARTHwFlowControl(ctx context.Context) error {
	if err := s.eng.Send(ctx, "AT+UART_CUR=%d,8,1,0,0", DefaultBaud); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	return nil
}

// EnablePassiveTCP switches TCP receive to pull mode (CIPRECVDATA), valid
// only on firmware whose AT version is at least passiveTCPThreshold.
//
// Active mode's inline "+IPD,id,len:<bytes>" framing and passive mode's
// "+IPD,id,len" data-available notification share a prefix but not a wire
// shape - the notification is an ordinary delimited line with no inline
// payload to follow. Switching modes therefore swaps which OOB handler is
// registered for "+IPD," rather than reinterpreting one handler's input.
func (s *Session) EnablePassiveTCP(ctx context.Context, atVersion Version) error {
	if !atLeast(atVersion, passiveTCPThreshold) {
		return ErrUnsupported
	}
	if err := s.eng.Send(ctx, "AT+CIPRECVMODE=1"); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	s.eng.CancelOOBInline("+IPD,")
	s.eng.OOB("+IPD,", s.handleIPDNotify)
	s.eng.OOBInline("+CIPRECVDATA,", s.handleCIPRECVDATA)
	s.mu.Lock()
	s.passiveTCP = true
	s.mu.Unlock()
	return nil
}

// passiveTCPThreshold is the minimum AT version known to support
// CIPRECVMODE, per the firmware notes in the wire protocol table.
var passiveTCPThreshold = Version{Major: 1, Minor: 1, Patch: 0}

func atLeast(v, threshold Version) bool {
	if v.Major != threshold.Major {
		return v.Major > threshold.Major
	}
	if v.Minor != threshold.Minor {
		return v.Minor > threshold.Minor
	}
	return v.Patch >= threshold.Patch
}
