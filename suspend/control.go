/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package suspend

// SuspendControl is the stable operation surface consumed by the
// control socket layer.  It holds no state of its own; everything
// delegates to the SystemSuspend singleton.
type SuspendControl struct {
	s *SystemSuspend
}

func NewSuspendControl(s *SystemSuspend) *SuspendControl {
	return &SuspendControl{s: s}
}

// AcquireWakeLock issues a handle recorded against the given pid.
func (c *SuspendControl) AcquireWakeLock(typ WakeLockType, name string, pid int) (*WakeLock, error) {
	return c.s.AcquireWakeLockPid(typ, name, pid)
}

// EnableAutosuspend starts the suspend loop; false if already running.
func (c *SuspendControl) EnableAutosuspend() bool {
	return c.s.EnableAutosuspend()
}

// ForceSuspend writes the sleep state regardless of held locks.
func (c *SuspendControl) ForceSuspend() bool {
	return c.s.ForceSuspend()
}

// RegisterWakeupCallback adds a suspend outcome observer.
func (c *SuspendControl) RegisterWakeupCallback(cb WakeupCallback, owner string) bool {
	return c.s.Callbacks().RegisterWakeupCallback(cb, owner)
}

// RegisterWakeLockCallback adds an acquire/release observer for name.
func (c *SuspendControl) RegisterWakeLockCallback(cb WakeLockCallback, name, owner string) bool {
	return c.s.Callbacks().RegisterWakeLockCallback(cb, name, owner)
}

// RemoveOwner drops all observers registered under the owner token.
func (c *SuspendControl) RemoveOwner(owner string) {
	c.s.Callbacks().RemoveOwner(owner)
}

// WakeLockStats brings active holds current and snapshots the stats
// table, MRU first, with the kernel's own wakeup sources appended.
func (c *SuspendControl) WakeLockStats() []WakeLockInfo {
	c.s.StatsList().UpdateNow(nowMicros())
	return c.s.StatsList().WakeLockStats()
}

// WakeupStats snapshots the per-reason resume counters.
func (c *SuspendControl) WakeupStats() []WakeupInfo {
	return c.s.Wakeups().WakeupStats()
}

// SuspendStats reads the kernel's suspend_stats tree.
func (c *SuspendControl) SuspendStats() (SuspendInfo, error) {
	return c.s.Kernel().ReadSuspendStats()
}
