// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package modem

import (
	"context"
	"strings"

	"github.com/go-modem/esp8266at/at"
	"github.com/go-modem/esp8266at/info"
)

// APRecord is one scan result, parsed from a "+CWLAP:(...)" line.
type APRecord struct {
	Security int
	SSID     string
	RSSI     int
	BSSID    string
	Channel  int
}

// Connect joins the access point identified by ssid/pass, blocking until
// association completes, fails, or ConnectTimeout elapses.
func (s *Session) Connect(ctx context.Context, ssid, pass string) error {
	if len(ssid) == 0 || len(ssid) > MaxSSIDLen {
		return ErrParameter
	}
	if len(pass) < MinPassphraseLen || len(pass) > MaxPassphraseLen {
		return ErrParameter
	}
	s.resetPending()
	if err := s.eng.Send(ctx, `AT+CWJAP_CUR="%s","%s"`, ssid, pass); err != nil {
		return ErrDeviceError
	}
	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	err := s.eng.Recv(cctx, "OK")
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if err == nil {
		s.setLinkUp(true)
		return nil
	}
	if p.fail {
		switch p.failCode {
		case 1:
			return ErrConnectionTimeout
		case 2:
			return ErrAuthFailure
		case 3:
			return ErrNoSSID
		default:
			return ErrNoConnection
		}
	}
	return ErrDeviceError
}

// Disconnect leaves the currently joined access point, if any.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.eng.Send(ctx, "AT+CWQAP"); err != nil {
		return ErrDeviceError
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return ErrDeviceError
	}
	s.setLinkUp(false)
	return nil
}

// IPAddr returns the station IP address from AT+CIFSR.
func (s *Session) IPAddr(ctx context.Context) (string, error) {
	return s.cifsrField(ctx, "+CIFSR:STAIP,")
}

// MACAddr returns the station MAC address from AT+CIFSR.
func (s *Session) MACAddr(ctx context.Context) (string, error) {
	return s.cifsrField(ctx, "+CIFSR:STAMAC,")
}

func (s *Session) cifsrField(ctx context.Context, prefix string) (string, error) {
	if err := s.eng.Send(ctx, "AT+CIFSR"); err != nil {
		return "", ErrDeviceError
	}
	var result string
	for {
		var line string
		if err := s.eng.Recv(ctx, anyLine, &line); err != nil {
			return "", ErrDeviceError
		}
		if line == "OK" {
			if result == "" {
				return "", ErrDeviceError
			}
			return result, nil
		}
		if info.HasPrefix(line, prefix) {
			result = strings.Trim(info.TrimPrefix(line, prefix), `"`)
		}
	}
}

// Gateway returns the station default gateway from AT+CIPSTA_CUR?.
func (s *Session) Gateway(ctx context.Context) (string, error) {
	return s.cipstaField(ctx, "+CIPSTA_CUR:gateway,")
}

// Netmask returns the station subnet mask from AT+CIPSTA_CUR?.
func (s *Session) Netmask(ctx context.Context) (string, error) {
	return s.cipstaField(ctx, "+CIPSTA_CUR:netmask,")
}

func (s *Session) cipstaField(ctx context.Context, prefix string) (string, error) {
	if err := s.eng.Send(ctx, "AT+CIPSTA_CUR?"); err != nil {
		return "", ErrDeviceError
	}
	var result string
	for {
		var line string
		if err := s.eng.Recv(ctx, anyLine, &line); err != nil {
			return "", ErrDeviceError
		}
		if line == "OK" {
			if result == "" {
				return "", ErrDeviceError
			}
			return result, nil
		}
		if info.HasPrefix(line, prefix) {
			result = strings.Trim(info.TrimPrefix(line, prefix), `"`)
		}
	}
}

// RSSI returns the signal strength of the currently joined access point.
//
// The device exposes this only via a scan, so this issues a two-step
// lookup: find the joined BSSID via AT+CWJAP_CUR?, then scan for that BSSID
// via AT+CWLAP and read its RSSI field.
func (s *Session) RSSI(ctx context.Context) (int, error) {
	bssid, err := s.joinedBSSID(ctx)
	if err != nil {
		return 0, err
	}
	aps, err := s.Scan(ctx, SocketCount*8)
	if err != nil {
		return 0, err
	}
	for _, ap := range aps {
		if ap.BSSID == bssid {
			return ap.RSSI, nil
		}
	}
	return 0, ErrNoConnection
}

func (s *Session) joinedBSSID(ctx context.Context) (string, error) {
	if err := s.eng.Send(ctx, "AT+CWJAP_CUR?"); err != nil {
		return "", ErrDeviceError
	}
	var bssid string
	for {
		var line string
		if err := s.eng.Recv(ctx, anyLine, &line); err != nil {
			return "", ErrDeviceError
		}
		if line == "OK" {
			if bssid == "" {
				return "", ErrNoConnection
			}
			return bssid, nil
		}
		var ssid, mac string
		var channel, rssi int
		if at.Scan(line, `+CWJAP_CUR:"%[^"]","%[^"]",%d,%d`, &ssid, &mac, &channel, &rssi) {
			bssid = mac
		}
	}
}

// Scan lists up to limit visible access points via AT+CWLAP.
func (s *Session) Scan(ctx context.Context, limit int) ([]APRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := s.eng.Send(cctx, "AT+CWLAP"); err != nil {
		return nil, ErrDeviceError
	}
	var aps []APRecord
	for {
		var line string
		if err := s.eng.Recv(cctx, anyLine, &line); err != nil {
			return nil, ErrDeviceError
		}
		if line == "OK" {
			return aps, nil
		}
		if ap, ok := parseCWLAP(line); ok {
			if len(aps) < limit {
				aps = append(aps, ap)
			}
		}
	}
}

func parseCWLAP(line string) (APRecord, bool) {
	var ap APRecord
	ok := at.Scan(line, `+CWLAP:(%d,"%[^"]",%d,"%[^"]",%d`,
		&ap.Security, &ap.SSID, &ap.RSSI, &ap.BSSID, &ap.Channel)
	return ap, ok
}

// DNSLookup resolves name to an IP address via AT+CIPDOMAIN.
func (s *Session) DNSLookup(ctx context.Context, name string) (string, error) {
	if err := s.eng.Send(ctx, `AT+CIPDOMAIN="%s"`, name); err != nil {
		return "", ErrDeviceError
	}
	var line string
	if err := s.eng.Recv(ctx, anyLine, &line); err != nil {
		return "", ErrDNSFailure
	}
	ip := strings.TrimPrefix(line, "+CIPDOMAIN:")
	if ip == line {
		return "", ErrDNSFailure
	}
	if err := s.eng.Recv(ctx, "OK"); err != nil {
		return "", ErrDNSFailure
	}
	return ip, nil
}
