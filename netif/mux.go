// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package netif multiplexes application-facing socket handles onto the
// five numbered sockets a modem.Session exposes. It owns intent (has this
// handle been asked to bind, what remote address did the application last
// send to) while modem.Session owns device-acknowledged state. Mux has its
// own mutex, which guards only its handle table and is never held while
// calling into the session, so the two never nest.
package netif

import (
	"context"
	"sync"

	"github.com/go-modem/esp8266at/modem"
)

// Addr is a UDP/TCP remote endpoint.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return a.Host
}

// handle tracks application intent for one of the five multiplexed
// sockets; modem.Session tracks what the device has actually acknowledged.
type handle struct {
	inUse      bool
	proto      modem.Proto
	connected  bool
	remote     Addr
	keepalive  int
	boundLocal int
}

// Mux hands out and tracks application socket handles over a modem.Session.
type Mux struct {
	sess *modem.Session

	mu    sync.Mutex
	slots [modem.SocketCount]handle
}

// New creates a Mux over sess.
func New(sess *modem.Session) *Mux {
	return &Mux{sess: sess}
}

// Open reserves the first free handle for proto. Returns ErrNoSocket if all
// handles are in use.
func (m *Mux) Open(proto modem.Proto) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := 0; id < modem.SocketCount; id++ {
		if !m.slots[id].inUse {
			m.slots[id] = handle{inUse: true, proto: proto}
			return id, nil
		}
	}
	return -1, modem.ErrNoSocket
}

// Bind fixes the local port a UDP handle sources datagrams from. Only valid
// before Connect, and only for UDP handles - binding a TCP handle is
// unsupported since outbound TCP always lets the device choose the
// ephemeral source port.
func (m *Mux) Bind(id int, localPort int) error {
	h, err := m.claim(id)
	if err != nil {
		return err
	}
	if h.proto != modem.ProtoUDP {
		return modem.ErrUnsupported
	}
	if h.connected {
		return modem.ErrIsConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < modem.SocketCount; i++ {
		if i != id && m.slots[i].inUse && m.slots[i].boundLocal == localPort && localPort != 0 {
			return modem.ErrParameter
		}
	}
	m.slots[id].boundLocal = localPort
	return nil
}

// Connect opens the underlying device socket to addr, dispatching to
// OpenTCP or OpenUDP by the handle's protocol.
func (m *Mux) Connect(ctx context.Context, id int, addr Addr) error {
	h, err := m.claim(id)
	if err != nil {
		return err
	}
	if h.connected {
		return modem.ErrIsConnected
	}
	switch h.proto {
	case modem.ProtoTCP:
		if err := m.sess.OpenTCP(ctx, id, addr.Host, addr.Port, h.keepalive); err != nil {
			return err
		}
	case modem.ProtoUDP:
		if err := m.sess.OpenUDP(ctx, id, addr.Host, addr.Port, h.boundLocal); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.slots[id].connected = true
	m.slots[id].remote = addr
	m.mu.Unlock()
	return nil
}

// SetKeepAlive sets the TCP keepalive interval in seconds (0 disables it).
// Valid only before Connect, and only for TCP handles.
func (m *Mux) SetKeepAlive(id int, seconds int) error {
	h, err := m.claim(id)
	if err != nil {
		return err
	}
	if h.proto != modem.ProtoTCP {
		return modem.ErrUnsupported
	}
	if h.connected {
		return modem.ErrIsConnected
	}
	if seconds < 0 || seconds > 7200 {
		return modem.ErrUnsupported
	}
	m.mu.Lock()
	m.slots[id].keepalive = seconds
	m.mu.Unlock()
	return nil
}

// Send writes data to a connected handle.
func (m *Mux) Send(ctx context.Context, id int, data []byte) (int, error) {
	h, err := m.claim(id)
	if err != nil {
		return 0, err
	}
	if !h.connected {
		return 0, modem.ErrNoSocket
	}
	return m.sess.Send(ctx, id, data)
}

// Recv reads the next available bytes for a connected TCP handle.
func (m *Mux) Recv(ctx context.Context, id int, buf []byte) (int, error) {
	h, err := m.claim(id)
	if err != nil {
		return 0, err
	}
	if h.proto != modem.ProtoTCP {
		return 0, modem.ErrUnsupported
	}
	return m.sess.RecvTCP(ctx, id, buf)
}

// SendTo sends a UDP datagram to addr, reopening the underlying device
// socket first if addr differs from the handle's current destination - the
// device associates one fixed remote endpoint per UDP socket, so changing
// destination mid-flight means tearing down and reconnecting.
func (m *Mux) SendTo(ctx context.Context, id int, addr Addr, data []byte) (int, error) {
	h, err := m.claim(id)
	if err != nil {
		return 0, err
	}
	if h.proto != modem.ProtoUDP {
		return 0, modem.ErrUnsupported
	}
	if !h.connected || h.remote != addr {
		if h.connected {
			if err := m.sess.Close(ctx, id); err != nil {
				return 0, err
			}
			m.mu.Lock()
			m.slots[id].connected = false
			m.mu.Unlock()
		}
		if err := m.Connect(ctx, id, addr); err != nil {
			return 0, err
		}
	}
	return m.sess.Send(ctx, id, data)
}

// RecvFrom reads the next queued UDP datagram for id, returning the stored
// remote address - the device never reports a per-datagram source address
// for a connected UDP socket, so this is simply the handle's destination.
func (m *Mux) RecvFrom(ctx context.Context, id int, buf []byte) (int, Addr, error) {
	h, err := m.claim(id)
	if err != nil {
		return 0, Addr{}, err
	}
	if h.proto != modem.ProtoUDP {
		return 0, Addr{}, modem.ErrUnsupported
	}
	n, err := m.sess.RecvUDP(ctx, id, buf)
	if err != nil {
		return 0, Addr{}, err
	}
	return n, h.remote, nil
}

// Close releases id, closing the underlying device socket if open.
func (m *Mux) Close(ctx context.Context, id int) error {
	if id < 0 || id >= modem.SocketCount {
		return modem.ErrParameter
	}
	if err := m.sess.Close(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.slots[id] = handle{}
	m.mu.Unlock()
	return nil
}

func (m *Mux) claim(id int) (handle, error) {
	if id < 0 || id >= modem.SocketCount {
		return handle{}, modem.ErrParameter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.slots[id]
	if !h.inUse {
		return handle{}, modem.ErrParameter
	}
	return h, nil
}
