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
)

// WakeupList counts resumes per wakeup reason in a bounded LRU.
type WakeupList struct {
	mtx      sync.Mutex
	capacity int
	order    *list.List // of *WakeupInfo, front is MRU
	lookup   map[string]*list.Element
}

func NewWakeupList(capacity int) *WakeupList {
	return &WakeupList{
		capacity: capacity,
		order:    list.New(),
		lookup:   make(map[string]*list.Element, capacity),
	}
}

// Update attributes a resume to the first non-empty reason line.
func (w *WakeupList) Update(reasons []string) {
	var reason string
	for _, r := range reasons {
		if len(r) > 0 {
			reason = r
			break
		}
	}
	if len(reason) == 0 {
		return
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()
	if el, ok := w.lookup[reason]; ok {
		el.Value.(*WakeupInfo).Count++
		w.order.MoveToFront(el)
		return
	}
	if w.order.Len() >= w.capacity {
		evict := w.order.Back()
		delete(w.lookup, evict.Value.(*WakeupInfo).Name)
		w.order.Remove(evict)
	}
	w.lookup[reason] = w.order.PushFront(&WakeupInfo{Name: reason, Count: 1})
}

// WakeupStats snapshots the counters in MRU-first order.
func (w *WakeupList) WakeupStats() []WakeupInfo {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	infos := make([]WakeupInfo, 0, w.order.Len())
	for el := w.order.Front(); el != nil; el = el.Next() {
		infos = append(infos, *el.Value.(*WakeupInfo))
	}
	return infos
}
