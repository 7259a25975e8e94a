// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build windows

package serial

var defaultConfig = config{
	port: "COM1",
	baud: 115200,
}
