// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at

import "github.com/pkg/errors"

// DeviceError indicates the modem returned ERROR in response to a command.
type DeviceError string

func (e DeviceError) Error() string {
	return "device error: " + string(e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem has
	// been closed.
	ErrClosed = errors.New("closed")

	// ErrAborted indicates a pending Recv was cancelled by Abort, typically
	// from within an OOB handler that decided the outer command should give
	// up.
	ErrAborted = errors.New("aborted")

	// ErrTimeout indicates a Recv deadline elapsed before its template
	// matched.
	ErrTimeout = errors.New("timeout")

	// ErrOOBExists indicates there is already an OOB handler registered for
	// a prefix.
	ErrOOBExists = errors.New("oob exists")
)
