/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package suspend implements the core of the user-space system suspend
// controller: the wake lock arbiter, the suspend loop driving the
// kernel's wakeup-count protocol, and the bounded stats tables.
package suspend

import (
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
)

// WakeLockType is validated but otherwise uninterpreted.
type WakeLockType int

const (
	WakeLockTypePartial WakeLockType = 0
)

const (
	DefaultStatsCapacity = 1000
)

var (
	ErrEmptyName       = errors.New("empty wake lock name")
	ErrBadWakeLockType = errors.New("unrecognized wake lock type")
)

// SleepTimeConfig drives the adaptive inter-suspend backoff.
type SleepTimeConfig struct {
	BaseSleepTime               time.Duration
	MaxSleepTime                time.Duration
	SleepTimeScaleFactor        float64
	BackoffThreshold            uint32
	ShortSuspendThreshold       time.Duration
	FailedSuspendBackoffEnabled bool
	ShortSuspendBackoffEnabled  bool
}

// DefaultSleepTimeConfig returns the documented defaults.
func DefaultSleepTimeConfig() SleepTimeConfig {
	return SleepTimeConfig{
		BaseSleepTime:               100 * time.Millisecond,
		MaxSleepTime:                60000 * time.Millisecond,
		SleepTimeScaleFactor:        2.0,
		BackoffThreshold:            0,
		ShortSuspendThreshold:       0,
		FailedSuspendBackoffEnabled: true,
		ShortSuspendBackoffEnabled:  false,
	}
}

// WakeLock is a held reason for the device to stay awake.  Dropping it
// without a Release leaks the reference, callers own the handle.
// Release is idempotent.
type WakeLock struct {
	once sync.Once
	s    *SystemSuspend
	name string
	pid  int
}

// Name returns the caller-chosen lock name.
func (w *WakeLock) Name() string {
	return w.name
}

// Pid returns the process identity recorded at acquire time.
func (w *WakeLock) Pid() int {
	return w.pid
}

// Release drops the lock.  Only the first call has any effect.
func (w *WakeLock) Release() {
	w.once.Do(func() {
		w.s.decSuspendCounter(w.name)
		w.s.statsList.UpdateOnRelease(w.name, w.pid, nowMicros())
	})
}

// SystemSuspend owns the suspend counter, its condition variable, and
// the kernel interface.  It is constructed once at startup and lives for
// the whole process.
type SystemSuspend struct {
	counterMtx     sync.Mutex
	counterCond    *sync.Cond
	suspendCounter uint32
	// activeNames tracks live holds per lock name so the wake lock
	// callbacks fire on the first acquire and last release only;
	// guarded by counterMtx
	activeNames map[string]int

	// if true the counter gates suspend; otherwise every acquire and
	// release is passed through to the kernel's wake_lock interface
	// and the kernel gates suspend.  Fixed at construction.
	useSuspendCounter bool

	kif *KernelInterface

	sleepMtx       sync.Mutex
	cfg            SleepTimeConfig
	sleepTime      time.Duration
	consecutiveBad uint32

	autoMtx     sync.Mutex
	autoStarted bool

	statsList  *WakeLockEntryList
	wakeupList *WakeupList
	callbacks  *SuspendCallbacks

	lg *log.Logger
}

// NewSystemSuspend wires the arbiter, stats tables, and callback
// registry around an open kernel interface.
func NewSystemSuspend(kif *KernelInterface, cfg SleepTimeConfig, statsCapacity int, useSuspendCounter bool, lg *log.Logger) *SystemSuspend {
	if statsCapacity <= 0 {
		statsCapacity = DefaultStatsCapacity
	}
	s := &SystemSuspend{
		activeNames:       make(map[string]int),
		useSuspendCounter: useSuspendCounter,
		kif:               kif,
		cfg:               cfg,
		sleepTime:         cfg.BaseSleepTime,
		statsList:         NewWakeLockEntryList(statsCapacity, kif, lg),
		wakeupList:        NewWakeupList(statsCapacity),
		callbacks:         NewSuspendCallbacks(lg),
		lg:                lg,
	}
	s.counterCond = sync.NewCond(&s.counterMtx)
	return s
}

// StatsList exposes the wake lock stats table.
func (s *SystemSuspend) StatsList() *WakeLockEntryList {
	return s.statsList
}

// Wakeups exposes the wakeup reason table.
func (s *SystemSuspend) Wakeups() *WakeupList {
	return s.wakeupList
}

// Callbacks exposes the observer registry.
func (s *SystemSuspend) Callbacks() *SuspendCallbacks {
	return s.callbacks
}

// Kernel exposes the kernel interface.
func (s *SystemSuspend) Kernel() *KernelInterface {
	return s.kif
}

// AcquireWakeLock issues a wake lock on behalf of the calling process.
func (s *SystemSuspend) AcquireWakeLock(typ WakeLockType, name string) (*WakeLock, error) {
	return s.AcquireWakeLockPid(typ, name, os.Getpid())
}

// AcquireWakeLockPid issues a wake lock recorded against an explicit
// pid; the control layer uses the peer credentials of the requesting
// connection.
func (s *SystemSuspend) AcquireWakeLockPid(typ WakeLockType, name string, pid int) (*WakeLock, error) {
	if typ != WakeLockTypePartial {
		return nil, ErrBadWakeLockType
	}
	if len(name) == 0 {
		return nil, ErrEmptyName
	}
	wl := &WakeLock{s: s, name: name, pid: pid}
	s.incSuspendCounter(name)
	s.statsList.UpdateOnAcquire(name, pid, nowMicros())
	return wl, nil
}

func (s *SystemSuspend) incSuspendCounter(name string) {
	s.counterMtx.Lock()
	if s.useSuspendCounter {
		s.suspendCounter++
	} else {
		if err := s.kif.WriteWakeLock(name); err != nil {
			s.lg.Error("error writing kernel wake lock", log.KV("name", name), log.KVErr(err))
		}
	}
	s.activeNames[name]++
	first := s.activeNames[name] == 1
	s.counterMtx.Unlock()

	if first {
		s.callbacks.NotifyWakeLock(name, true)
	}
}

func (s *SystemSuspend) decSuspendCounter(name string) {
	s.counterMtx.Lock()
	if s.useSuspendCounter {
		s.suspendCounter--
		if s.suspendCounter == 0 {
			s.counterCond.Broadcast()
		}
	} else {
		if err := s.kif.WriteWakeUnlock(name); err != nil {
			s.lg.Error("error writing kernel wake unlock", log.KV("name", name), log.KVErr(err))
		}
	}
	s.activeNames[name]--
	last := s.activeNames[name] == 0
	if last {
		delete(s.activeNames, name)
	}
	s.counterMtx.Unlock()

	if last {
		s.callbacks.NotifyWakeLock(name, false)
	}
}

// SuspendCounter returns the current number of live wake lock holds in
// counter mode.  In kernel-passthrough mode the counter is not
// maintained and stays zero.
func (s *SystemSuspend) SuspendCounter() uint32 {
	s.counterMtx.Lock()
	defer s.counterMtx.Unlock()
	return s.suspendCounter
}

// EnableAutosuspend starts the suspend loop.  A second call returns
// false without starting a second loop.
func (s *SystemSuspend) EnableAutosuspend() bool {
	s.autoMtx.Lock()
	defer s.autoMtx.Unlock()
	if s.autoStarted {
		s.lg.Error("autosuspend already started")
		return false
	}
	s.autoStarted = true
	go s.autosuspendLoop()
	s.lg.Info("automatic system suspend enabled")
	return true
}

// ForceSuspend writes the sleep state immediately, ignoring every held
// wake lock.  The counter is untouched; when the system resumes the
// holds are exactly as they were.
func (s *SystemSuspend) ForceSuspend() bool {
	s.counterMtx.Lock()
	err := s.kif.WriteState()
	s.counterMtx.Unlock()
	if err != nil {
		s.lg.Warn("error writing sleep state for forced suspend", log.KVErr(err))
	}
	return err == nil
}

// autosuspendLoop is the dedicated suspend task.  It never returns and
// never propagates an error; arm and commit failures feed the backoff, a
// failed wakeup count read does not, and the loop re-enters its sleep.
func (s *SystemSuspend) autosuspendLoop() {
	for {
		time.Sleep(s.SleepTime())

		count, err := s.kif.ReadWakeupCount()
		if err != nil {
			s.lg.Error("error reading wakeup count", log.KVErr(err))
			continue
		}

		s.counterMtx.Lock()
		for s.suspendCounter != 0 {
			s.counterCond.Wait()
		}
		// The mutex is held and MUST remain held until the sleep state
		// write below.  Otherwise a wake lock acquired after the
		// counter check and before the state write would be lost.

		if err = s.kif.WriteWakeupCount(count); err != nil {
			s.counterMtx.Unlock()
			// a wake event landed between our read and write-back
			s.lg.Debug("wakeup count write-back rejected", log.KV("count", count), log.KVErr(err))
			s.updateSleepTime(false, 0, false)
			continue
		}

		err = s.kif.WriteState()
		s.counterMtx.Unlock()
		success := err == nil
		if !success {
			s.lg.Debug("error writing sleep state", log.KVErr(err))
		}

		sleepDur, measured := s.measureSleepTime(success)

		reasons, rerr := s.kif.ReadWakeupReasons()
		if rerr != nil && rerr != ErrNotAvailable {
			s.lg.Error("error reading wakeup reasons", log.KVErr(rerr))
		}
		s.wakeupList.Update(reasons)
		s.callbacks.NotifyWakeup(success, reasons)

		s.updateSleepTime(success, sleepDur, measured)
	}
}

// measureSleepTime parses the kernel's last suspend duration, but only
// when the outcome can actually be classified as a short wake: the
// commit succeeded and short-wake backoff is enabled.  A parse failure
// reports as unmeasured, which downstream treats as a non-short wake.
func (s *SystemSuspend) measureSleepTime(success bool) (time.Duration, bool) {
	if !success || !s.cfg.ShortSuspendBackoffEnabled {
		return 0, false
	}
	_, sleepDur, err := s.kif.ReadSuspendTime()
	if err != nil {
		s.lg.Debug("error reading suspend time", log.KVErr(err))
		return 0, false
	}
	return sleepDur, true
}

// SleepTime returns the current inter-suspend sleep interval.
func (s *SystemSuspend) SleepTime() time.Duration {
	s.sleepMtx.Lock()
	defer s.sleepMtx.Unlock()
	return s.sleepTime
}

// updateSleepTime is the backoff state machine.  A good outcome resets
// the interval to base; bad outcomes past the threshold scale it up to
// the max, provided backoff is enabled for the observed failure mode.
func (s *SystemSuspend) updateSleepTime(success bool, sleepDur time.Duration, measured bool) {
	s.sleepMtx.Lock()
	defer s.sleepMtx.Unlock()

	shortSuspend := s.cfg.ShortSuspendBackoffEnabled && measured && sleepDur < s.cfg.ShortSuspendThreshold
	if success && !shortSuspend {
		s.consecutiveBad = 0
		s.sleepTime = s.cfg.BaseSleepTime
		return
	}

	s.consecutiveBad++
	if s.consecutiveBad <= s.cfg.BackoffThreshold {
		return
	}
	if (!success && s.cfg.FailedSuspendBackoffEnabled) ||
		(shortSuspend && s.cfg.ShortSuspendBackoffEnabled) {
		scaled := time.Duration(float64(s.sleepTime) * s.cfg.SleepTimeScaleFactor)
		if scaled > s.cfg.MaxSleepTime {
			scaled = s.cfg.MaxSleepTime
		}
		s.sleepTime = scaled
	}
}

// nowMicros is the stats timestamp source: microseconds on the boottime
// clock, which keeps counting across the suspends we cause.
func nowMicros() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return time.Now().UnixMicro()
	}
	return ts.Sec*1000000 + ts.Nsec/1000
}
