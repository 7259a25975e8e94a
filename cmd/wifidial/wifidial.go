// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// wifidial joins a Wi-Fi access point, reports the resulting link
// parameters, and optionally exchanges a line of text with a TCP peer.
//
// This serves as an example of how to drive the modem package end to end,
// as well as a hand debugging tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-modem/esp8266at/at"
	"github.com/go-modem/esp8266at/modem"
	"github.com/go-modem/esp8266at/serial"
	"github.com/go-modem/esp8266at/trace"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 500*time.Millisecond, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	ssid := flag.String("ssid", "", "access point SSID to join")
	pass := flag.String("pass", "", "access point passphrase")
	echoAddr := flag.String("echo", "", "host:port of a TCP peer to exchange a line of text with")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}

	port, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Fatal(err)
	}
	defer port.Close()
	var rw io.ReadWriter = port
	if *verbose {
		rw = trace.New(port)
	}

	eng := at.New(rw, at.WithTimeout(*timeout))
	sess := modem.New(eng, modem.WithHardwareFlowControl(port.HardwareFlowControl()),
		modem.WithStatusHandler(func(e modem.Event) {
			log.Printf("event: %+v", e)
		}))

	ctx := context.Background()
	if err := sess.ATAvailable(ctx); err != nil {
		log.Fatal("modem not responding: ", err)
	}
	if err := sess.Startup(ctx, modem.ModeStation); err != nil {
		log.Fatal("startup: ", err)
	}
	if err := sess.SetDHCP(ctx, 1, true); err != nil {
		log.Fatal("dhcp: ", err)
	}
	if v, err := sess.ATVersion(ctx); err == nil {
		fmt.Printf("AT version: %d.%d.%d\n", v.Major, v.Minor, v.Patch)
	}
	if v, ok, err := sess.SDKVersion(ctx); err == nil && ok {
		fmt.Printf("SDK version: %d.%d.%d\n", v.Major, v.Minor, v.Patch)
	}

	if *ssid != "" {
		if err := sess.Connect(ctx, *ssid, *pass); err != nil {
			log.Fatal("connect: ", err)
		}
		ip, _ := sess.IPAddr(ctx)
		mac, _ := sess.MACAddr(ctx)
		gw, _ := sess.Gateway(ctx)
		mask, _ := sess.Netmask(ctx)
		rssi, _ := sess.RSSI(ctx)
		fmt.Printf("ip: %s\nmac: %s\ngateway: %s\nnetmask: %s\nrssi: %d\n", ip, mac, gw, mask, rssi)
	}

	if *echoAddr != "" {
		if err := echo(ctx, sess, *echoAddr); err != nil {
			log.Println("echo: ", err)
		}
	}
}

func echo(ctx context.Context, sess *modem.Session, addr string) error {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return err
	}
	if err := sess.OpenTCP(ctx, 0, host, port, 0); err != nil {
		return err
	}
	defer sess.Close(ctx, 0)
	msg := []byte("hello\n")
	if _, err := sess.Send(ctx, 0, msg); err != nil {
		return err
	}
	buf := make([]byte, 256)
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := sess.RecvTCP(rctx, 0, buf)
	if err != nil {
		return err
	}
	fmt.Printf("echoed: %s", buf[:n])
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	var host string
	var port int
	if !at.Scan(addr, "%[^:]:%d", &host, &port) {
		return "", 0, fmt.Errorf("wifidial: bad address %q, want host:port", addr)
	}
	return host, port, nil
}
