/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package suspend

import (
	"fmt"
	"testing"
)

func TestWakeupUpdate(t *testing.T) {
	w := NewWakeupList(8)

	w.Update([]string{"57 qcom-pdc"})
	w.Update([]string{"", "57 qcom-pdc", "173 spmi"})
	w.Update([]string{"alarmtimer"})

	stats := w.WakeupStats()
	if len(stats) != 2 {
		t.Fatalf("entries %d != 2", len(stats))
	}
	if stats[0].Name != "alarmtimer" || stats[0].Count != 1 {
		t.Fatalf("bad MRU entry: %+v", stats[0])
	}
	if stats[1].Name != "57 qcom-pdc" || stats[1].Count != 2 {
		t.Fatalf("bad count: %+v", stats[1])
	}
}

func TestWakeupEmptyReasons(t *testing.T) {
	w := NewWakeupList(8)
	w.Update(nil)
	w.Update([]string{})
	w.Update([]string{""})
	if stats := w.WakeupStats(); len(stats) != 0 {
		t.Fatalf("entries recorded for empty reasons: %+v", stats)
	}
}

func TestWakeupEviction(t *testing.T) {
	const capacity = 4
	w := NewWakeupList(capacity)

	for i := 0; i < capacity+1; i++ {
		w.Update([]string{fmt.Sprintf("reason-%d", i)})
	}
	stats := w.WakeupStats()
	if len(stats) != capacity {
		t.Fatalf("entries %d != %d", len(stats), capacity)
	}
	for _, s := range stats {
		if s.Name == "reason-0" {
			t.Fatal("LRU entry survived eviction")
		}
	}
}
