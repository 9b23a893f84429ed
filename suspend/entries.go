/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package suspend

import (
	"container/list"
	"sync"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
)

type wakeLockKey struct {
	name string
	pid  int
}

// WakeLockEntryList collects per (name, pid) wake lock stats in a
// bounded LRU.  All methods are safe for concurrent use.
type WakeLockEntryList struct {
	mtx      sync.Mutex
	capacity int
	stats    *list.List // of *WakeLockInfo, front is MRU
	lookup   map[wakeLockKey]*list.Element
	kif      *KernelInterface
	lg       *log.Logger
}

func NewWakeLockEntryList(capacity int, kif *KernelInterface, lg *log.Logger) *WakeLockEntryList {
	return &WakeLockEntryList{
		capacity: capacity,
		stats:    list.New(),
		lookup:   make(map[wakeLockKey]*list.Element, capacity),
		kif:      kif,
		lg:       lg,
	}
}

// UpdateOnAcquire records an acquisition and promotes the entry to MRU,
// evicting the LRU entry if the list is at capacity.
func (l *WakeLockEntryList) UpdateOnAcquire(name string, pid int, now int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	key := wakeLockKey{name: name, pid: pid}
	if el, ok := l.lookup[key]; ok {
		wi := el.Value.(*WakeLockInfo)
		wi.IsActive = true
		wi.ActiveSince = now
		wi.ActiveCount++
		wi.LastChange = now
		l.stats.MoveToFront(el)
		return
	}
	if l.stats.Len() >= l.capacity {
		evict := l.stats.Back()
		ev := evict.Value.(*WakeLockInfo)
		delete(l.lookup, wakeLockKey{name: ev.Name, pid: ev.Pid})
		l.stats.Remove(evict)
		l.lg.Warn("wake lock stats entry evicted",
			log.KV("name", ev.Name), log.KV("pid", ev.Pid))
	}
	wi := &WakeLockInfo{
		Name:        name,
		Pid:         pid,
		ActiveCount: 1,
		IsActive:    true,
		ActiveSince: now,
		LastChange:  now,
	}
	l.lookup[key] = l.stats.PushFront(wi)
}

// UpdateOnRelease folds the completed hold into the entry's counters.  A
// missing entry means it was evicted since the acquire, that is not an
// error.
func (l *WakeLockEntryList) UpdateOnRelease(name string, pid int, now int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	key := wakeLockKey{name: name, pid: pid}
	el, ok := l.lookup[key]
	if !ok {
		l.lg.Info("wake lock stats entry not found, likely evicted",
			log.KV("name", name), log.KV("pid", pid))
		return
	}
	wi := el.Value.(*WakeLockInfo)
	if held := now - wi.ActiveSince; held > wi.MaxTime {
		wi.MaxTime = held
	}
	wi.TotalTime += now - wi.LastChange
	wi.IsActive = false
	wi.LastChange = now
	l.stats.MoveToFront(el)
}

// UpdateNow brings the hold-time counters of every active entry current,
// as though each were released at now, without ending the holds.  Called
// before handing out a snapshot.
func (l *WakeLockEntryList) UpdateNow(now int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for el := l.stats.Front(); el != nil; el = el.Next() {
		wi := el.Value.(*WakeLockInfo)
		if !wi.IsActive {
			continue
		}
		if held := now - wi.ActiveSince; held > wi.MaxTime {
			wi.MaxTime = held
		}
		wi.TotalTime += now - wi.LastChange
		wi.LastChange = now
	}
}

// WakeLockStats returns the tracked entries in MRU-first order followed
// by the kernel's own wakeup sources read live from sysfs.
func (l *WakeLockEntryList) WakeLockStats() []WakeLockInfo {
	l.mtx.Lock()
	infos := make([]WakeLockInfo, 0, l.stats.Len())
	for el := l.stats.Front(); el != nil; el = el.Next() {
		infos = append(infos, *el.Value.(*WakeLockInfo))
	}
	l.mtx.Unlock()

	if l.kif != nil {
		kstats, err := l.kif.ReadKernelWakeLockStats()
		if err != nil {
			l.lg.Debug("kernel wakeup source stats unavailable", log.KVErr(err))
		} else {
			infos = append(infos, kstats...)
		}
	}
	return infos
}

// Len returns the number of tracked entries.
func (l *WakeLockEntryList) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.stats.Len()
}
