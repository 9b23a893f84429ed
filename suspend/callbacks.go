/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package suspend

import (
	"sync"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
)

// WakeupCallback observes the outcome of every suspend attempt.
type WakeupCallback interface {
	NotifyWakeup(success bool, reasons []string)
}

// WakeLockCallback observes acquire/release edges for wake locks of a
// given name.
type WakeLockCallback interface {
	NotifyAcquired()
	NotifyReleased()
}

type wakeupEntry struct {
	cb    WakeupCallback
	owner string
}

type wakeLockEntry struct {
	cb    WakeLockCallback
	owner string
}

// SuspendCallbacks holds the registered observers.  Registrations carry
// an owner token; when the control layer reports a peer dead every
// registration under that owner is dropped.
type SuspendCallbacks struct {
	wakeupMtx sync.Mutex
	wakeups   []wakeupEntry

	wakeLockMtx sync.Mutex
	wakeLocks   map[string][]wakeLockEntry

	lg *log.Logger
}

func NewSuspendCallbacks(lg *log.Logger) *SuspendCallbacks {
	return &SuspendCallbacks{
		wakeLocks: make(map[string][]wakeLockEntry),
		lg:        lg,
	}
}

// RegisterWakeupCallback adds cb to the wakeup observer list.  A nil
// callback or a duplicate registration returns false with no side
// effects.
func (s *SuspendCallbacks) RegisterWakeupCallback(cb WakeupCallback, owner string) bool {
	if cb == nil {
		return false
	}
	s.wakeupMtx.Lock()
	defer s.wakeupMtx.Unlock()
	for _, e := range s.wakeups {
		if e.cb == cb {
			s.lg.Warn("wakeup callback already registered")
			return false
		}
	}
	s.wakeups = append(s.wakeups, wakeupEntry{cb: cb, owner: owner})
	return true
}

// RegisterWakeLockCallback subscribes cb to acquire/release edges of any
// wake lock named name.  A nil callback, empty name, or duplicate
// callback+name pair returns false with no side effects.
func (s *SuspendCallbacks) RegisterWakeLockCallback(cb WakeLockCallback, name, owner string) bool {
	if cb == nil || len(name) == 0 {
		return false
	}
	s.wakeLockMtx.Lock()
	defer s.wakeLockMtx.Unlock()
	for _, e := range s.wakeLocks[name] {
		if e.cb == cb {
			s.lg.Warn("wake lock callback already registered", log.KV("name", name))
			return false
		}
	}
	s.wakeLocks[name] = append(s.wakeLocks[name], wakeLockEntry{cb: cb, owner: owner})
	return true
}

// RemoveOwner drops every registration made under the given owner token.
// The control layer calls this on peer death.
func (s *SuspendCallbacks) RemoveOwner(owner string) {
	s.wakeupMtx.Lock()
	kept := s.wakeups[:0]
	for _, e := range s.wakeups {
		if e.owner != owner {
			kept = append(kept, e)
		}
	}
	s.wakeups = kept
	s.wakeupMtx.Unlock()

	s.wakeLockMtx.Lock()
	for name, ents := range s.wakeLocks {
		keptWl := ents[:0]
		for _, e := range ents {
			if e.owner != owner {
				keptWl = append(keptWl, e)
			}
		}
		if len(keptWl) == 0 {
			delete(s.wakeLocks, name)
		} else {
			s.wakeLocks[name] = keptWl
		}
	}
	s.wakeLockMtx.Unlock()
}

// NotifyWakeup fans the suspend outcome out to the wakeup observers.
// The observer list is copied under the lock and invoked without it so
// an observer may re-enter registration.
func (s *SuspendCallbacks) NotifyWakeup(success bool, reasons []string) {
	s.wakeupMtx.Lock()
	cbs := make([]wakeupEntry, len(s.wakeups))
	copy(cbs, s.wakeups)
	s.wakeupMtx.Unlock()

	for _, e := range cbs {
		e.cb.NotifyWakeup(success, reasons)
	}
}

// NotifyWakeLock fans an acquire/release edge out to the observers of
// the given name, with the same snapshot-then-dispatch rule as
// NotifyWakeup.
func (s *SuspendCallbacks) NotifyWakeLock(name string, acquired bool) {
	s.wakeLockMtx.Lock()
	ents, ok := s.wakeLocks[name]
	if !ok {
		s.wakeLockMtx.Unlock()
		return
	}
	cbs := make([]wakeLockEntry, len(ents))
	copy(cbs, ents)
	s.wakeLockMtx.Unlock()

	for _, e := range cbs {
		if acquired {
			e.cb.NotifyAcquired()
		} else {
			e.cb.NotifyReleased()
		}
	}
}
