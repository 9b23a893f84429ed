/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package control exposes the suspend controller over a unix domain
// socket.  The protocol is newline delimited JSON; each connection is a
// peer, and a connection tearing down releases every wake lock handle
// and observer registration that peer still owns.
package control

import (
	"github.com/baikalos/platform-system-hardware-interfaces/suspend"
)

const (
	// DefaultSocketPath is where the daemon listens unless configured
	// otherwise.
	DefaultSocketPath = `/var/run/suspendd/control.sock`
)

// request commands
const (
	CmdAcquire           = `acquire`
	CmdRelease           = `release`
	CmdEnableAutosuspend = `enable_autosuspend`
	CmdForceSuspend      = `force_suspend`
	CmdWakeLockStats     = `wakelock_stats`
	CmdWakeupStats       = `wakeup_stats`
	CmdSuspendStats      = `suspend_stats`
	CmdListenWakeup      = `listen_wakeup`
	CmdListenWakeLock    = `listen_wakelock`
)

// event types
const (
	EventWakeup   = `wakeup`
	EventAcquired = `acquired`
	EventReleased = `released`
)

// Request is one command from a peer.
type Request struct {
	Command string `json:"command"`
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
	Handle  string `json:"handle,omitempty"`
}

// Response answers exactly one Request.  OK reflects whether the
// command was accepted; Result carries the boolean verdict of commands
// that have one (enable_autosuspend, force_suspend, listen registration).
type Response struct {
	OK           bool                   `json:"ok"`
	Error        string                 `json:"error,omitempty"`
	Result       bool                   `json:"result,omitempty"`
	Handle       string                 `json:"handle,omitempty"`
	WakeLocks    []suspend.WakeLockInfo `json:"wake_locks,omitempty"`
	Wakeups      []suspend.WakeupInfo   `json:"wakeups,omitempty"`
	SuspendStats *suspend.SuspendInfo   `json:"suspend_stats,omitempty"`
}

// Event is pushed asynchronously to peers that registered a listener.
type Event struct {
	Type    string   `json:"type"`
	Success bool     `json:"success,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// envelope is the single wire frame; exactly one member is set.
type envelope struct {
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}
