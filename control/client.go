/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/baikalos/platform-system-hardware-interfaces/suspend"
)

var (
	ErrClosed = errors.New("control connection closed")
)

// Client talks the control protocol.  One request may be outstanding at
// a time; events stream independently on the Events channel once a
// listener is registered.
type Client struct {
	conn net.Conn

	// reqMtx serializes round trips; stateMtx guards the closed flag
	reqMtx   sync.Mutex
	stateMtx sync.Mutex
	pending  chan *Response
	events   chan Event
	closed   bool
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial(`unix`, path)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(chan *Response, 1),
		events:  make(chan Event, 64),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down; the server treats this as peer
// death and releases everything we still hold.
func (c *Client) Close() error {
	c.stateMtx.Lock()
	c.closed = true
	c.stateMtx.Unlock()
	return c.conn.Close()
}

// Events returns the stream of pushed events.  The channel closes when
// the connection dies.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) readLoop() {
	scn := bufio.NewScanner(c.conn)
	scn.Buffer(make([]byte, 4096), 1024*1024)
	for scn.Scan() {
		var env envelope
		if err := json.Unmarshal(scn.Bytes(), &env); err != nil {
			continue
		}
		if env.Event != nil {
			select {
			case c.events <- *env.Event:
			default:
				// a peer that never drains its events does not get
				// to wedge the connection
			}
			continue
		}
		if env.Response != nil {
			select {
			case c.pending <- env.Response:
			default:
			}
		}
	}
	close(c.pending)
	close(c.events)
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()
	c.stateMtx.Lock()
	closed := c.closed
	c.stateMtx.Unlock()
	if closed {
		return nil, ErrClosed
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err = c.conn.Write(append(b, '\n')); err != nil {
		return nil, err
	}
	resp, ok := <-c.pending
	if !ok {
		return nil, ErrClosed
	}
	return resp, nil
}

func respErr(resp *Response) error {
	if len(resp.Error) > 0 {
		return errors.New(resp.Error)
	}
	if !resp.OK {
		return errors.New("request rejected")
	}
	return nil
}

// AcquireWakeLock takes a partial wake lock and returns its handle id.
func (c *Client) AcquireWakeLock(name string) (string, error) {
	resp, err := c.roundTrip(&Request{Command: CmdAcquire, Type: `partial`, Name: name})
	if err != nil {
		return ``, err
	}
	if err = respErr(resp); err != nil {
		return ``, err
	}
	return resp.Handle, nil
}

// ReleaseWakeLock drops a previously acquired handle.
func (c *Client) ReleaseWakeLock(handle string) error {
	resp, err := c.roundTrip(&Request{Command: CmdRelease, Handle: handle})
	if err != nil {
		return err
	}
	return respErr(resp)
}

// EnableAutosuspend starts the suspend loop; false means it was
// already running.
func (c *Client) EnableAutosuspend() (bool, error) {
	resp, err := c.roundTrip(&Request{Command: CmdEnableAutosuspend})
	if err != nil {
		return false, err
	}
	if err = respErr(resp); err != nil {
		return false, err
	}
	return resp.Result, nil
}

// ForceSuspend commits a suspend regardless of held wake locks.
func (c *Client) ForceSuspend() (bool, error) {
	resp, err := c.roundTrip(&Request{Command: CmdForceSuspend})
	if err != nil {
		return false, err
	}
	if err = respErr(resp); err != nil {
		return false, err
	}
	return resp.Result, nil
}

// WakeLockStats fetches the wake lock table, MRU first, with kernel
// wakeup sources appended.
func (c *Client) WakeLockStats() ([]suspend.WakeLockInfo, error) {
	resp, err := c.roundTrip(&Request{Command: CmdWakeLockStats})
	if err != nil {
		return nil, err
	}
	if err = respErr(resp); err != nil {
		return nil, err
	}
	return resp.WakeLocks, nil
}

// WakeupStats fetches the per-reason resume counters.
func (c *Client) WakeupStats() ([]suspend.WakeupInfo, error) {
	resp, err := c.roundTrip(&Request{Command: CmdWakeupStats})
	if err != nil {
		return nil, err
	}
	if err = respErr(resp); err != nil {
		return nil, err
	}
	return resp.Wakeups, nil
}

// SuspendStats fetches the kernel's suspend_stats counters.
func (c *Client) SuspendStats() (suspend.SuspendInfo, error) {
	resp, err := c.roundTrip(&Request{Command: CmdSuspendStats})
	if err != nil {
		return suspend.SuspendInfo{}, err
	}
	if err = respErr(resp); err != nil {
		return suspend.SuspendInfo{}, err
	}
	if resp.SuspendStats == nil {
		return suspend.SuspendInfo{}, errors.New("empty suspend stats")
	}
	return *resp.SuspendStats, nil
}

// ListenWakeup subscribes this connection to suspend outcome events;
// false means this connection already listens.
func (c *Client) ListenWakeup() (bool, error) {
	resp, err := c.roundTrip(&Request{Command: CmdListenWakeup})
	if err != nil {
		return false, err
	}
	if err = respErr(resp); err != nil {
		return false, err
	}
	return resp.Result, nil
}

// ListenWakeLock subscribes this connection to acquire/release edges of
// the named wake lock.
func (c *Client) ListenWakeLock(name string) (bool, error) {
	resp, err := c.roundTrip(&Request{Command: CmdListenWakeLock, Name: name})
	if err != nil {
		return false, err
	}
	if err = respErr(resp); err != nil {
		return false, err
	}
	return resp.Result, nil
}
