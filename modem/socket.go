// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package modem

import (
	"context"

	"github.com/go-modem/esp8266at/at"
)

// OpenTCP opens socket id as a TCP connection to addr:port, with a
// keepalive interval in seconds (0 disables keepalive).
func (s *Session) OpenTCP(ctx context.Context, id int, addr string, port, keepalive int) error {
	return s.open(ctx, id, ProtoTCP, addr, port, keepalive, 0)
}

// OpenUDP opens socket id as a UDP association with addr:port, sourced from
// localPort (0 lets the device choose).
func (s *Session) OpenUDP(ctx context.Context, id int, addr string, port, localPort int) error {
	return s.open(ctx, id, ProtoUDP, addr, port, 0, localPort)
}

func (s *Session) open(ctx context.Context, id int, proto Proto, addr string, port, keepalive, localPort int) error {
	if id < 0 || id >= SocketCount {
		return ErrParameter
	}
	s.mu.Lock()
	already := s.slots[id].open
	s.mu.Unlock()
	if already {
		return ErrParameter
	}

	for attempt := 0; attempt < 2; attempt++ {
		s.mu.Lock()
		s.pending.alreadyConnected = false
		s.mu.Unlock()
		if err := s.sendOpenCmd(ctx, id, proto, addr, port, keepalive, localPort); err != nil {
			return err
		}
		err := s.eng.Recv(ctx, "OK")
		s.mu.Lock()
		wasAlreadyConnected := s.pending.alreadyConnected
		s.mu.Unlock()
		if err == nil {
			s.mu.Lock()
			s.slots[id] = socketSlot{open: true, proto: proto, keepalive: keepalive, localPort: localPort}
			s.queue.purge(id)
			s.mu.Unlock()
			return nil
		}
		if wasAlreadyConnected && attempt == 0 {
			if cerr := s.forceClose(ctx, id); cerr != nil {
				// The device told us this id is already connected, so a
				// close it just reported must succeed; if it doesn't, the
				// device and driver have disagreed about socket state.
				panic("modem: close after ALREADY CONNECTED failed: " + cerr.Error())
			}
			continue
		}
		return ErrDeviceError
	}
	return ErrDeviceError
}

func (s *Session) sendOpenCmd(ctx context.Context, id int, proto Proto, addr string, port, keepalive, localPort int) error {
	var err error
	switch proto {
	case ProtoTCP:
		if keepalive > 0 {
			err = s.eng.Send(ctx, `AT+CIPSTART=%d,"TCP","%s",%d,%d`, id, addr, port, keepalive)
		} else {
			err = s.eng.Send(ctx, `AT+CIPSTART=%d,"TCP","%s",%d`, id, addr, port)
		}
	case ProtoUDP:
		err = s.eng.Send(ctx, `AT+CIPSTART=%d,"UDP","%s",%d,%d,2`, id, addr, port, localPort)
	}
	if err != nil {
		return ErrDeviceError
	}
	return nil
}

// Close closes socket id. It is idempotent: closing an id that is already
// closed succeeds without issuing a command.
func (s *Session) Close(ctx context.Context, id int) error {
	if id < 0 || id >= SocketCount {
		return ErrParameter
	}
	s.mu.Lock()
	open := s.slots[id].open
	s.mu.Unlock()
	if !open {
		return nil
	}
	return s.forceClose(ctx, id)
}

// forceClose issues CIPCLOSE regardless of local slot bookkeeping - used
// by Close, and by open's ALREADY CONNECTED retry where the device, not
// our bookkeeping, claims the id is already connected.
func (s *Session) forceClose(ctx context.Context, id int) error {
	s.mu.Lock()
	s.pending.unlinked = false
	s.mu.Unlock()
	if err := s.eng.Send(ctx, "AT+CIPCLOSE=%d", id); err != nil {
		return ErrDeviceError
	}
	err := s.eng.Recv(ctx, "OK")
	s.mu.Lock()
	unlinked := s.pending.unlinked
	s.slots[id] = socketSlot{}
	s.mu.Unlock()
	s.queue.purge(id)
	s.signal()
	if err == nil || unlinked {
		return nil
	}
	return ErrDeviceError
}

// Send writes data to socket id via CIPSEND, retrying once on any failure
// of the prompt/write/completion sequence.
func (s *Session) Send(ctx context.Context, id int, data []byte) (int, error) {
	if id < 0 || id >= SocketCount {
		return 0, ErrParameter
	}
	s.mu.Lock()
	open := s.slots[id].open
	s.mu.Unlock()
	if !open {
		return 0, ErrNoSocket
	}

	var lastErr error = ErrDeviceError
	for attempt := 0; attempt < 2; attempt++ {
		s.mu.Lock()
		s.pending.sendFail = false
		s.mu.Unlock()
		if err := s.eng.Send(ctx, "AT+CIPSEND=%d,%d", id, len(data)); err != nil {
			lastErr = ErrDeviceError
			continue
		}
		if err := s.eng.Recv(ctx, ">"); err != nil {
			lastErr = ErrDeviceError
			continue
		}
		if _, err := s.eng.Write(ctx, data); err != nil {
			lastErr = ErrDeviceError
			continue
		}
		// "OK" never arrives bare here - completion is signalled by the
		// SEND OK/SEND FAIL OOB handlers aborting this Recv.
		s.eng.Recv(ctx, "OK")
		s.mu.Lock()
		sendFail := s.pending.sendFail
		s.mu.Unlock()
		if !sendFail {
			if !s.hwFlowControl {
				s.eng.ProcessOOB()
			}
			return len(data), nil
		}
		lastErr = ErrDeviceError
	}
	return 0, lastErr
}

// RecvTCP returns the next available bytes queued for id, preserving byte
// order across calls; a short head packet is consumed, a long one has its
// remainder left at the head. Returns (0, nil) once the peer has closed
// and the queue has drained (EOF), or ErrWouldBlock if ctx expires first.
func (s *Session) RecvTCP(ctx context.Context, id int, buf []byte) (int, error) {
	return s.recv(ctx, id, buf, true)
}

// RecvUDP returns the next queued datagram for id, truncated to len(buf)
// with any remainder discarded. Returns ErrWouldBlock if none is available
// before ctx expires or the socket has closed.
func (s *Session) RecvUDP(ctx context.Context, id int, buf []byte) (int, error) {
	return s.recv(ctx, id, buf, false)
}

func (s *Session) recv(ctx context.Context, id int, buf []byte, tcp bool) (int, error) {
	if id < 0 || id >= SocketCount {
		return 0, ErrParameter
	}
	s.mu.Lock()
	passive := s.passiveTCP
	s.mu.Unlock()
	if tcp && passive {
		return s.recvPassiveTCP(ctx, id, buf)
	}
	for {
		waitCh := s.waitCh()
		s.mu.Lock()
		var n int
		var ok bool
		if tcp {
			n, ok = s.queue.popTCP(id, buf)
		} else {
			n, ok = s.queue.popUDP(id, buf)
		}
		closed := !s.slots[id].open
		s.mu.Unlock()
		if ok {
			return n, nil
		}
		if closed {
			if tcp {
				return 0, nil
			}
			return 0, ErrWouldBlock
		}
		select {
		case <-ctx.Done():
			return 0, ErrWouldBlock
		case <-waitCh:
		}
	}
}

// recvPassiveTCP services RecvTCP once EnablePassiveTCP has switched the
// socket to pull mode. Bytes are not delivered inline by "+IPD,id,len" in
// this mode - it is only a data-available notification - so a known
// available length is pulled explicitly via CIPRECVDATA before the queue
// is drained. A socket the device has already reported closed may still
// hold buffered data, so one last pull is attempted whenever avail > 0
// even after the slot transitions to closed; only once avail reaches 0 on
// a closed slot is EOF reported.
func (s *Session) recvPassiveTCP(ctx context.Context, id int, buf []byte) (int, error) {
	for {
		waitCh := s.waitCh()
		s.mu.Lock()
		n, ok := s.queue.popTCP(id, buf)
		avail := s.passiveAvail[id]
		closed := !s.slots[id].open
		s.mu.Unlock()
		if ok {
			return n, nil
		}
		if avail > 0 && len(buf) > 0 {
			pull := avail
			if pull > len(buf) {
				pull = len(buf)
			}
			s.mu.Lock()
			s.pullID = id
			s.mu.Unlock()
			if err := s.eng.Send(ctx, "AT+CIPRECVDATA=%d,%d", id, pull); err != nil {
				return 0, ErrDeviceError
			}
			if err := s.eng.Recv(ctx, "OK"); err != nil {
				return 0, ErrDeviceError
			}
			continue
		}
		if closed {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ErrWouldBlock
		case <-waitCh:
		}
	}
}

// DNSLookup is also exposed by wifi.go; sockets dial by address, so a DNS
// resolution step commonly precedes OpenTCP.

func parseIPDHeader(header string) (id, length int, ok bool) {
	ok = at.Scan(header, "+IPD,%d,%d:", &id, &length)
	return id, length, ok
}

// handleIPD is the inline OOB handler for active mode's "+IPD,id,len:" -
// it reads the len raw bytes that immediately follow the header (no
// delimiter) and enqueues them for delivery via RecvTCP/RecvUDP.
func (s *Session) handleIPD(c *at.OOBContext, header string) {
	id, length, ok := parseIPDHeader(header)
	if !ok || length <= 0 {
		return
	}
	buf := make([]byte, length)
	n, ok := c.ReadExact(buf)
	if !ok {
		return
	}
	s.mu.Lock()
	accepted := s.queue.push(id, buf[:n])
	s.mu.Unlock()
	if !accepted {
		// Ceiling hit: bytes are already drained from the transport above,
		// so the link stays aligned even though this frame is dropped.
		s.warnf("modem: %s: socket %d dropped %d bytes, receive ceiling exceeded", ErrNoMemory, id, n)
		return
	}
	s.signal()
	s.fire(Event{Kind: EventSocketReadable, Socket: id})
}

// handleIPDNotify is the ordinary (delimiter-terminated) OOB handler for
// passive mode's "+IPD,id,len" data-available notification - unlike
// active mode's header there is no trailing ':' and no payload follows,
// so this is an ordinary line, not an inline-registered one.
func (s *Session) handleIPDNotify(_ *at.OOBContext, line string) {
	var id, length int
	if !at.Scan(line, "+IPD,%d,%d", &id, &length) || length <= 0 {
		return
	}
	s.mu.Lock()
	s.passiveAvail[id] += length
	s.mu.Unlock()
	s.signal()
	s.fire(Event{Kind: EventSocketReadable, Socket: id})
}

func parseCIPRECVDATAHeader(header string) (length int, ok bool) {
	ok = at.Scan(header, "+CIPRECVDATA,%d:", &length)
	return length, ok
}

// handleCIPRECVDATA is the inline OOB handler for the "+CIPRECVDATA,len:"
// response to a pull issued from recvPassiveTCP; pullID attributes the
// payload to the socket id that issued the in-flight pull, since the
// response itself carries no id.
func (s *Session) handleCIPRECVDATA(c *at.OOBContext, header string) {
	length, ok := parseCIPRECVDATAHeader(header)
	if !ok || length <= 0 {
		return
	}
	buf := make([]byte, length)
	n, ok := c.ReadExact(buf)
	if !ok {
		return
	}
	s.mu.Lock()
	id := s.pullID
	s.passiveAvail[id] -= n
	if s.passiveAvail[id] < 0 {
		s.passiveAvail[id] = 0
	}
	accepted := s.queue.push(id, buf[:n])
	s.mu.Unlock()
	if !accepted {
		s.warnf("modem: %s: socket %d dropped %d pulled bytes, receive ceiling exceeded", ErrNoMemory, id, n)
		return
	}
	s.signal()
}
