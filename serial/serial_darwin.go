// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build darwin

package serial

var defaultConfig = config{
	port: "/dev/tty.usbserial",
	baud: 115200,
}
