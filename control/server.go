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
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
	"github.com/baikalos/platform-system-hardware-interfaces/suspend"
)

// Server accepts control connections and maps them onto the suspend
// control facade.
type Server struct {
	lst  net.Listener
	ctrl *suspend.SuspendControl
	lg   *log.Logger

	mtx    sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer binds the control socket.  A stale socket file from a
// previous run is removed first.
func NewServer(path string, ctrl *suspend.SuspendControl, lg *log.Logger) (*Server, error) {
	os.Remove(path)
	lst, err := net.Listen(`unix`, path)
	if err != nil {
		return nil, err
	}
	return &Server{
		lst:  lst,
		ctrl: ctrl,
		lg:   lg,
	}, nil
}

// Serve runs the accept loop until Close.
func (s *Server) Serve() {
	for {
		c, err := s.lst.Accept()
		if err != nil {
			s.mtx.Lock()
			done := s.closed
			s.mtx.Unlock()
			if done {
				return
			}
			s.lg.Error("control accept failed", log.KVErr(err))
			return
		}
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

// Close shuts the listener and waits for in-flight connections.
func (s *Server) Close() error {
	s.mtx.Lock()
	s.closed = true
	s.mtx.Unlock()
	err := s.lst.Close()
	s.wg.Wait()
	return err
}

// peer is the server side state of one connection.
type peer struct {
	conn  net.Conn
	owner string
	pid   int

	writeMtx sync.Mutex

	handleMtx sync.Mutex
	handles   map[string]*suspend.WakeLock
}

func (s *Server) handleConn(c net.Conn) {
	defer s.wg.Done()
	p := &peer{
		conn:    c,
		owner:   uuid.New().String(),
		pid:     peerPid(c),
		handles: make(map[string]*suspend.WakeLock),
	}
	s.lg.Debug("control peer connected", log.KV("owner", p.owner), log.KV("pid", p.pid))

	scn := bufio.NewScanner(c)
	scn.Buffer(make([]byte, 4096), 1024*1024)
	for scn.Scan() {
		var req Request
		if err := json.Unmarshal(scn.Bytes(), &req); err != nil {
			p.send(&envelope{Response: &Response{Error: `malformed request`}})
			continue
		}
		p.send(&envelope{Response: s.dispatch(p, &req)})
	}

	// peer death: every handle still held is released and every
	// observer registered by this connection is dropped
	p.handleMtx.Lock()
	handles := p.handles
	p.handles = nil
	p.handleMtx.Unlock()
	for _, wl := range handles {
		wl.Release()
	}
	s.ctrl.RemoveOwner(p.owner)
	c.Close()
	s.lg.Debug("control peer disconnected", log.KV("owner", p.owner),
		log.KV("released", len(handles)))
}

func (s *Server) dispatch(p *peer, req *Request) *Response {
	switch req.Command {
	case CmdAcquire:
		return s.acquire(p, req)
	case CmdRelease:
		return s.release(p, req)
	case CmdEnableAutosuspend:
		return &Response{OK: true, Result: s.ctrl.EnableAutosuspend()}
	case CmdForceSuspend:
		return &Response{OK: true, Result: s.ctrl.ForceSuspend()}
	case CmdWakeLockStats:
		return &Response{OK: true, WakeLocks: s.ctrl.WakeLockStats()}
	case CmdWakeupStats:
		return &Response{OK: true, Wakeups: s.ctrl.WakeupStats()}
	case CmdSuspendStats:
		si, err := s.ctrl.SuspendStats()
		if err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{OK: true, SuspendStats: &si}
	case CmdListenWakeup:
		ok := s.ctrl.RegisterWakeupCallback(wakeupForwarder{p: p}, p.owner)
		return &Response{OK: true, Result: ok}
	case CmdListenWakeLock:
		ok := s.ctrl.RegisterWakeLockCallback(&wakeLockForwarder{p: p, name: req.Name}, req.Name, p.owner)
		return &Response{OK: true, Result: ok}
	}
	return &Response{Error: `unknown command: ` + req.Command}
}

func (s *Server) acquire(p *peer, req *Request) *Response {
	typ, err := parseWakeLockType(req.Type)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	wl, err := s.ctrl.AcquireWakeLock(typ, req.Name, p.pid)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	id := uuid.New().String()
	p.handleMtx.Lock()
	if p.handles == nil {
		// the connection is already tearing down
		p.handleMtx.Unlock()
		wl.Release()
		return &Response{Error: `connection closing`}
	}
	p.handles[id] = wl
	p.handleMtx.Unlock()
	return &Response{OK: true, Handle: id}
}

func (s *Server) release(p *peer, req *Request) *Response {
	p.handleMtx.Lock()
	wl, ok := p.handles[req.Handle]
	delete(p.handles, req.Handle)
	p.handleMtx.Unlock()
	if !ok {
		return &Response{Error: `unknown handle`}
	}
	wl.Release()
	return &Response{OK: true}
}

// send serializes a frame onto the connection.  Write failures are
// swallowed; a dying peer is cleaned up by the read loop.
func (p *peer) send(env *envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	p.writeMtx.Lock()
	p.conn.Write(append(b, '\n'))
	p.writeMtx.Unlock()
}

// wakeupForwarder pushes suspend outcomes to a listening peer.  It is
// registered by value so two forwarders for the same peer compare equal
// and a repeated listen is rejected as a duplicate.
type wakeupForwarder struct {
	p *peer
}

func (f wakeupForwarder) NotifyWakeup(success bool, reasons []string) {
	f.p.send(&envelope{Event: &Event{Type: EventWakeup, Success: success, Reasons: reasons}})
}

// wakeLockForwarder pushes acquire/release edges to a listening peer.
type wakeLockForwarder struct {
	p    *peer
	name string
}

func (f *wakeLockForwarder) NotifyAcquired() {
	f.p.send(&envelope{Event: &Event{Type: EventAcquired, Name: f.name}})
}

func (f *wakeLockForwarder) NotifyReleased() {
	f.p.send(&envelope{Event: &Event{Type: EventReleased, Name: f.name}})
}

func parseWakeLockType(v string) (suspend.WakeLockType, error) {
	switch v {
	case ``, `partial`:
		return suspend.WakeLockTypePartial, nil
	}
	return 0, suspend.ErrBadWakeLockType
}

// peerPid pulls the peer process id off the unix socket credentials.
func peerPid(c net.Conn) int {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return -1
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return -1
	}
	pid := -1
	raw.Control(func(fd uintptr) {
		if cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
			pid = int(cred.Pid)
		}
	})
	return pid
}
