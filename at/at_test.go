// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

//  Test suite for the at package.
//
//  mockModem does not attempt to emulate a serial modem - it just provides
//  canned responses on a channel so the engine's line/template/OOB handling
//  can be exercised directly.

package at_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-modem/esp8266at/at"
)

func TestNew(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	require.NotNil(t, a)
	select {
	case <-a.Closed():
		t.Error("engine closed")
	default:
	}
}

func TestSendAndRecvOK(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	err := a.Send(ctx, "AT")
	require.Nil(t, err)
	assert.Equal(t, "AT\r\n", mm.lastWrite())
	mm.feed("OK\r\n")
	err = a.Recv(ctx, "OK")
	assert.Nil(t, err)
}

func TestRecvCapturesFields(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	mm.feed("+CWJAP:\"myssid\",\"aa:bb:cc:dd:ee:ff\",6,-42\r\n")
	var ssid, bssid string
	var chl, rssi int
	err := a.Recv(ctx, "+CWJAP:\"%[^\"]\",\"%[^\"]\",%d,%d", &ssid, &bssid, &chl, &rssi)
	require.Nil(t, err)
	assert.Equal(t, "myssid", ssid)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", bssid)
	assert.Equal(t, 6, chl)
	assert.Equal(t, -42, rssi)
}

func TestRecvMultiLineTemplate(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	mm.feed("OK\r\nready\r\n")
	err := a.Recv(ctx, "OK\r\nready")
	assert.Nil(t, err)
}

func TestRecvTimeout(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm, at.WithTimeout(10*time.Millisecond))
	ctx := context.Background()
	err := a.Recv(ctx, "OK")
	assert.Equal(t, at.ErrTimeout, err)
}

func TestRecvMismatch(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm, at.WithTimeout(50*time.Millisecond))
	ctx := context.Background()
	mm.feed("ERROR\r\n")
	err := a.Recv(ctx, "OK")
	assert.Equal(t, at.ErrTimeout, err)
}

func TestOOBDispatchDuringRecv(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	var gotLine string
	done := make(chan struct{})
	err := a.OOB("WIFI DISCONNECT", func(_ *at.OOBContext, line string) {
		gotLine = line
		close(done)
	})
	require.Nil(t, err)
	mm.feed("WIFI DISCONNECT\r\nOK\r\n")
	err = a.Recv(ctx, "OK")
	assert.Nil(t, err)
	<-done
	assert.Equal(t, "WIFI DISCONNECT", gotLine)
}

func TestOOBReadsContinuationLines(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	var payload []byte
	done := make(chan struct{})
	err := a.OOBInline("+IPD,", func(c *at.OOBContext, header string) {
		// header is "+IPD,0,5:" followed by 5 raw bytes with no delimiter.
		buf := make([]byte, 5)
		n, ok := c.ReadExact(buf)
		if ok {
			payload = buf[:n]
		}
		close(done)
	})
	require.Nil(t, err)
	mm.feed("+IPD,0,5:hello\r\nOK\r\n")
	err = a.Recv(ctx, "OK")
	assert.Nil(t, err)
	<-done
	assert.Equal(t, "hello", string(payload))
}

func TestOOBAbortsPendingRecv(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	err := a.OOB("ALREADY CONNECTED", func(c *at.OOBContext, _ string) {
		c.Abort()
	})
	require.Nil(t, err)
	mm.feed("ALREADY CONNECTED\r\n")
	err = a.Recv(ctx, "OK")
	assert.Equal(t, at.ErrAborted, err)
}

func TestCancelOOB(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm, at.WithTimeout(30*time.Millisecond))
	ctx := context.Background()
	called := false
	err := a.OOB("URC:", func(_ *at.OOBContext, _ string) {
		called = true
	})
	require.Nil(t, err)
	a.CancelOOB("URC:")
	mm.feed("URC:ignored\r\n")
	err = a.Recv(ctx, "OK")
	assert.Equal(t, at.ErrTimeout, err)
	assert.False(t, called)
}

func TestOOBExists(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	require.Nil(t, a.OOB("X", func(*at.OOBContext, string) {}))
	err := a.OOB("X", func(*at.OOBContext, string) {})
	assert.Equal(t, at.ErrOOBExists, err)
}

func TestWriteRawBytes(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	mm.feed("> ")
	err := a.Recv(ctx, ">")
	require.Nil(t, err)
	n, err := a.Write(ctx, []byte("payload"))
	assert.Nil(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", mm.lastWrite())
}

func TestReadRawBytes(t *testing.T) {
	mm := newMockModem()
	defer mm.Close()
	a := at.New(mm)
	ctx := context.Background()
	mm.feed("hello")
	buf := make([]byte, 5)
	n, err := a.Read(ctx, buf)
	require.Nil(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestClosedOperations(t *testing.T) {
	mm := newMockModem()
	a := at.New(mm)
	mm.Close()
	select {
	case <-a.Closed():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("engine did not close")
	}
	ctx := context.Background()
	assert.Equal(t, at.ErrClosed, a.Send(ctx, "AT"))
	assert.Equal(t, at.ErrClosed, a.Recv(ctx, "OK"))
	assert.Equal(t, at.ErrClosed, a.OOB("X", func(*at.OOBContext, string) {}))
	_, err := a.Read(ctx, make([]byte, 1))
	assert.Equal(t, at.ErrClosed, err)
	_, err = a.Write(ctx, []byte("x"))
	assert.Equal(t, at.ErrClosed, err)
}

// mockModem is an io.ReadWriter that hands back bytes queued via feed, and
// records every Write for assertions.
type mockModem struct {
	r         chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce bool
}

func newMockModem() *mockModem {
	return &mockModem{
		r:      make(chan []byte, 16),
		writes: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (m *mockModem) feed(s string) {
	m.r <- []byte(s)
}

func (m *mockModem) lastWrite() string {
	select {
	case w := <-m.writes:
		return string(w)
	case <-time.After(100 * time.Millisecond):
		return ""
	}
}

func (m *mockModem) Read(p []byte) (int, error) {
	select {
	case data, ok := <-m.r:
		if !ok {
			return 0, errors.New("closed")
		}
		n := copy(p, data)
		return n, nil
	case <-m.closed:
		return 0, errors.New("closed")
	}
}

func (m *mockModem) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case m.writes <- cp:
	default:
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	if !m.closeOnce {
		m.closeOnce = true
		close(m.closed)
		close(m.r)
	}
	return nil
}
