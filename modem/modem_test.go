// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package modem_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-modem/esp8266at/at"
	"github.com/go-modem/esp8266at/modem"
)

func TestATAvailable(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script("AT\r\n", "OK\r\n")
	err := s.ATAvailable(context.Background())
	assert.Nil(t, err)
}

func TestConnectSuccess(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	var events []modem.Event
	s := modem.New(eng, modem.WithStatusHandler(func(e modem.Event) {
		events = append(events, e)
	}))
	mt.script(`AT+CWJAP_CUR="home","supersecret"`+"\r\n", "OK\r\n")
	err := s.Connect(context.Background(), "home", "supersecret")
	require.Nil(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, modem.EventLinkUp, events[0].Kind)
}

func TestConnectAuthFailure(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script(`AT+CWJAP_CUR="home","wrongpass"`+"\r\n", "+CWJAP:2\r\n", "FAIL\r\n")
	err := s.Connect(context.Background(), "home", "wrongpass")
	assert.Equal(t, modem.ErrAuthFailure, err)
}

func TestConnectRejectsBadParameters(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	err := s.Connect(context.Background(), "home", "short")
	assert.Equal(t, modem.ErrParameter, err)
}

func TestOpenTCP(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script(`AT+CIPSTART=0,"TCP","1.2.3.4",7`+"\r\n", "OK\r\n")
	err := s.OpenTCP(context.Background(), 0, "1.2.3.4", 7, 0)
	require.Nil(t, err)

	// opening an already-open id is a parameter error.
	err = s.OpenTCP(context.Background(), 0, "1.2.3.4", 7, 0)
	assert.Equal(t, modem.ErrParameter, err)
}

func TestOpenTCPAlreadyConnectedRetries(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	open := `AT+CIPSTART=3,"TCP","1.2.3.4",7` + "\r\n"
	mt.scriptSeq(open, []string{"ALREADY CONNECTED\r\n"}, []string{"OK\r\n"})
	mt.script("AT+CIPCLOSE=3\r\n", "OK\r\n")
	err := s.OpenTCP(context.Background(), 3, "1.2.3.4", 7, 0)
	assert.Nil(t, err)
	assert.Equal(t, 2, mt.writeCount(open))
	assert.Equal(t, 1, mt.writeCount("AT+CIPCLOSE=3\r\n"))
}

func TestCloseIsIdempotent(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	err := s.Close(context.Background(), 1)
	assert.Nil(t, err)
	assert.Equal(t, 0, mt.writeCount("AT+CIPCLOSE=1\r\n"))
}

func TestHappyTCPEcho(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script(`AT+CIPSTART=0,"TCP","1.2.3.4",7`+"\r\n", "OK\r\n")
	require.Nil(t, s.OpenTCP(context.Background(), 0, "1.2.3.4", 7, 0))

	mt.script("AT+CIPSEND=0,5\r\n", "> ")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		mt.feed("SEND OK\r\n")
		mt.feed("+IPD,0,5:hello")
	}()
	n, err := s.Send(ctx, 0, []byte("hello"))
	require.Nil(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = s.RecvTCP(ctx, 0, buf)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestPartialTCPRead(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script(`AT+CIPSTART=1,"TCP","1.2.3.4",7`+"\r\n", "OK\r\n")
	require.Nil(t, s.OpenTCP(context.Background(), 1, "1.2.3.4", 7, 0))

	mt.feed("+IPD,1,10:0123456789")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buf := make([]byte, 4)
	n, err := s.RecvTCP(ctx, 1, buf)
	require.Nil(t, err)
	assert.Equal(t, "0123", string(buf[:n]))

	buf = make([]byte, 10)
	n, err = s.RecvTCP(ctx, 1, buf)
	require.Nil(t, err)
	assert.Equal(t, "456789", string(buf[:n]))

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = s.RecvTCP(shortCtx, 1, buf)
	assert.Equal(t, modem.ErrWouldBlock, err)
}

func TestPeerCloseWithPendingData(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script(`AT+CIPSTART=2,"TCP","1.2.3.4",7`+"\r\n", "OK\r\n")
	require.Nil(t, s.OpenTCP(context.Background(), 2, "1.2.3.4", 7, 0))

	mt.feed("+IPD,2,8:ABCDEFGH")
	mt.feed("2,CLOSED\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	time.Sleep(20 * time.Millisecond) // let the idle dispatcher process both lines
	buf := make([]byte, 16)
	n, err := s.RecvTCP(ctx, 2, buf)
	require.Nil(t, err)
	assert.Equal(t, "ABCDEFGH", string(buf[:n]))

	n, err = s.RecvTCP(ctx, 2, buf)
	require.Nil(t, err)
	assert.Equal(t, 0, n) // EOF
}

func TestScan(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script("AT+CWLAP\r\n",
		`+CWLAP:(3,"home",-42,"aa:bb:cc:dd:ee:ff",6)`+"\r\n",
		`+CWLAP:(4,"guest",-61,"11:22:33:44:55:66",11)`+"\r\n",
		"OK\r\n")
	aps, err := s.Scan(context.Background(), 10)
	require.Nil(t, err)
	require.Len(t, aps, 2)
	assert.Equal(t, "home", aps[0].SSID)
	assert.Equal(t, -42, aps[0].RSSI)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", aps[0].BSSID)
	assert.Equal(t, 6, aps[0].Channel)
}

// testLogger records every warning formatted through modem.WithLogger, for
// asserting that a ceiling drop was reported rather than silently dropped.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *testLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// TestBackpressureDropsWithWarning is scenario 6 of spec.md §8: three
// 600-byte +IPD frames arrive for one socket before any read drains the
// queue; a 1300-byte ceiling admits the first two (1200 bytes total) but
// not a third (1800 bytes), so the first two are still delivered on read
// and the drop is warned about rather than silent.
func TestBackpressureDropsWithWarning(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	logger := &testLogger{}
	s := modem.New(eng, modem.WithSocketCeiling(1300), modem.WithLogger(logger))
	mt.script(`AT+CIPSTART=4,"TCP","1.2.3.4",7`+"\r\n", "OK\r\n")
	require.Nil(t, s.OpenTCP(context.Background(), 4, "1.2.3.4", 7, 0))

	frame := strings.Repeat("x", 600)
	mt.feed(fmt.Sprintf("+IPD,4,600:%s", frame))
	time.Sleep(20 * time.Millisecond)
	mt.feed(fmt.Sprintf("+IPD,4,600:%s", frame))
	time.Sleep(20 * time.Millisecond)
	mt.feed(fmt.Sprintf("+IPD,4,600:%s", frame))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 600)

	n, err := s.RecvTCP(ctx, 4, buf)
	require.Nil(t, err)
	assert.Equal(t, 600, n)

	n, err = s.RecvTCP(ctx, 4, buf)
	require.Nil(t, err)
	assert.Equal(t, 600, n)

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = s.RecvTCP(shortCtx, 4, buf)
	assert.Equal(t, modem.ErrWouldBlock, err)

	assert.Equal(t, 1, logger.count())
}

func TestSetDHCPFailure(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script("AT+CWDHCP_CUR=1,1\r\n", "ERROR\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.SetDHCP(ctx, 1, true)
	assert.Equal(t, modem.ErrDHCPFailure, err)
}

func TestPassiveTCPPull(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script(`AT+CIPSTART=0,"TCP","1.2.3.4",7`+"\r\n", "OK\r\n")
	require.Nil(t, s.OpenTCP(context.Background(), 0, "1.2.3.4", 7, 0))

	mt.script("AT+CIPRECVMODE=1\r\n", "OK\r\n")
	require.Nil(t, s.EnablePassiveTCP(context.Background(), modem.Version{Major: 1, Minor: 1, Patch: 0}))

	mt.script("AT+CIPRECVDATA=0,5\r\n", "+CIPRECVDATA,5:hello", "OK\r\n")
	mt.feed("+IPD,0,5\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 16)
	n, err := s.RecvTCP(ctx, 0, buf)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestIPAddr(t *testing.T) {
	mt := newMockTransport(nil)
	defer mt.Close()
	eng := at.New(mt)
	s := modem.New(eng)
	mt.script("AT+CIFSR\r\n",
		`+CIFSR:STAIP,"192.168.1.42"`+"\r\n",
		`+CIFSR:STAMAC,"aa:bb:cc:dd:ee:ff"`+"\r\n",
		"OK\r\n")
	ip, err := s.IPAddr(context.Background())
	require.Nil(t, err)
	assert.Equal(t, "192.168.1.42", ip)
}

// mockTransport is an io.ReadWriter that auto-responds to exact writes per
// a scripted command/response table, the same pattern used to exercise the
// at package's line/template handling.
type mockTransport struct {
	cmdSet    map[string][][]string
	r         chan []byte
	closed    chan struct{}
	closeOnce bool
	writes    map[string]int
	pending   []byte // rest of a fed chunk that did not fit the last Read
}

func newMockTransport(cmdSet map[string][]string) *mockTransport {
	mt := &mockTransport{
		cmdSet: make(map[string][][]string),
		r:      make(chan []byte, 64),
		closed: make(chan struct{}),
		writes: make(map[string]int),
	}
	for k, v := range cmdSet {
		mt.cmdSet[k] = [][]string{v}
	}
	return mt
}

func (m *mockTransport) script(cmd string, lines ...string) {
	m.cmdSet[cmd] = append(m.cmdSet[cmd], lines)
}

func (m *mockTransport) scriptSeq(cmd string, responses ...[]string) {
	m.cmdSet[cmd] = append(m.cmdSet[cmd], responses...)
}

func (m *mockTransport) writeCount(cmd string) int {
	return m.writes[cmd]
}

func (m *mockTransport) feed(s string) {
	m.r <- []byte(s)
}

func (m *mockTransport) Read(p []byte) (int, error) {
	if len(m.pending) == 0 {
		select {
		case data, ok := <-m.r:
			if !ok {
				return 0, errors.New("closed")
			}
			m.pending = data
		case <-m.closed:
			return 0, errors.New("closed")
		}
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *mockTransport) Write(p []byte) (int, error) {
	cmd := string(p)
	m.writes[cmd]++
	if queue := m.cmdSet[cmd]; len(queue) > 0 {
		lines := queue[0]
		m.cmdSet[cmd] = queue[1:]
		for _, l := range lines {
			if l == "" {
				continue
			}
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockTransport) Close() error {
	if !m.closeOnce {
		m.closeOnce = true
		close(m.closed)
		close(m.r)
	}
	return nil
}
