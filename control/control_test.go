/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
	"github.com/baikalos/platform-system-hardware-interfaces/suspend"
)

// testServer runs a control server over an emulated kernel interface.
type testServer struct {
	s    *suspend.SystemSuspend
	srv  *Server
	path string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	lg := log.NewDiscardLogger()
	kif, err := suspend.OpenKernelInterface(suspend.DefaultKernelPaths(t.TempDir()), lg)
	if err != nil {
		t.Fatal(err)
	}
	s := suspend.NewSystemSuspend(kif, suspend.DefaultSleepTimeConfig(), suspend.DefaultStatsCapacity, true, lg)
	path := filepath.Join(t.TempDir(), "control.sock")
	srv, err := NewServer(path, suspend.NewSuspendControl(s), lg)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		kif.Close()
	})
	return &testServer{s: s, srv: srv, path: path}
}

func dialTest(t *testing.T, ts *testServer) *Client {
	t.Helper()
	c, err := Dial(ts.path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitCounter polls until the suspend counter reaches want.
func waitCounter(t *testing.T, s *suspend.SystemSuspend, want uint32, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.SuspendCounter() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("counter %d never reached %d", s.SuspendCounter(), want)
}

func TestAcquireRelease(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	h, err := c.AcquireWakeLock("radio")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) == 0 {
		t.Fatal("empty handle")
	}
	if n := ts.s.SuspendCounter(); n != 1 {
		t.Fatalf("counter %d != 1", n)
	}
	if err = c.ReleaseWakeLock(h); err != nil {
		t.Fatal(err)
	}
	if n := ts.s.SuspendCounter(); n != 0 {
		t.Fatalf("counter %d != 0", n)
	}
	// a second release of the same handle is an error on the wire but
	// harmless to the counter
	if err = c.ReleaseWakeLock(h); err == nil {
		t.Fatal("released unknown handle")
	}
	if n := ts.s.SuspendCounter(); n != 0 {
		t.Fatalf("counter %d != 0 after double release", n)
	}
}

func TestAcquireValidation(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	if _, err := c.AcquireWakeLock(""); err == nil {
		t.Fatal("empty name accepted")
	}
}

// TestPeerDeathReleasesHandles acquires several locks and kills the
// connection; every handle must be returned.
func TestPeerDeathReleasesHandles(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	for i := 0; i < 3; i++ {
		if _, err := c.AcquireWakeLock("doomed"); err != nil {
			t.Fatal(err)
		}
	}
	if n := ts.s.SuspendCounter(); n != 3 {
		t.Fatalf("counter %d != 3", n)
	}
	c.Close()
	waitCounter(t, ts.s, 0, 200*time.Millisecond)
}

// TestPeerDeathLeavesOthers kills one of two peers and checks the
// survivor's holds are untouched.
func TestPeerDeathLeavesOthers(t *testing.T) {
	ts := newTestServer(t)
	doomed := dialTest(t, ts)
	survivor := dialTest(t, ts)

	if _, err := doomed.AcquireWakeLock("doomed"); err != nil {
		t.Fatal(err)
	}
	sh, err := survivor.AcquireWakeLock("survivor")
	if err != nil {
		t.Fatal(err)
	}
	doomed.Close()
	waitCounter(t, ts.s, 1, 200*time.Millisecond)
	if err = survivor.ReleaseWakeLock(sh); err != nil {
		t.Fatal(err)
	}
	waitCounter(t, ts.s, 0, 200*time.Millisecond)
}

func TestEnableAutosuspendOverWire(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	first, err := c.EnableAutosuspend()
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("first enable returned false")
	}
	second, err := c.EnableAutosuspend()
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatal("second enable returned true")
	}
}

func TestStatsOverWire(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	h, err := c.AcquireWakeLock("stats-lock")
	if err != nil {
		t.Fatal(err)
	}
	stats, err := c.WakeLockStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Name != "stats-lock" || !stats[0].IsActive {
		t.Fatalf("bad stats: %+v", stats)
	}
	if stats[0].Pid != os.Getpid() {
		t.Fatalf("peer pid %d != %d", stats[0].Pid, os.Getpid())
	}
	if err = c.ReleaseWakeLock(h); err != nil {
		t.Fatal(err)
	}

	wakeups, err := c.WakeupStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(wakeups) != 0 {
		t.Fatalf("unexpected wakeups: %+v", wakeups)
	}
}

func TestWakeupEventStream(t *testing.T) {
	ts := newTestServer(t)
	c := dialTest(t, ts)

	ok, err := c.ListenWakeup()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("listener registration failed")
	}

	ts.s.Callbacks().NotifyWakeup(true, []string{"42 alarmtimer"})

	select {
	case ev := <-c.Events():
		if ev.Type != EventWakeup || !ev.Success || len(ev.Reasons) != 1 || ev.Reasons[0] != "42 alarmtimer" {
			t.Fatalf("bad event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("wakeup event never arrived")
	}
}

func TestWakeLockEventStream(t *testing.T) {
	ts := newTestServer(t)
	listener := dialTest(t, ts)
	holder := dialTest(t, ts)

	ok, err := listener.ListenWakeLock("watched")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("listener registration failed")
	}

	h, err := holder.AcquireWakeLock("watched")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-listener.Events():
		if ev.Type != EventAcquired || ev.Name != "watched" {
			t.Fatalf("bad event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire event never arrived")
	}

	if err = holder.ReleaseWakeLock(h); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-listener.Events():
		if ev.Type != EventReleased || ev.Name != "watched" {
			t.Fatalf("bad event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("release event never arrived")
	}
}
