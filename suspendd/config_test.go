/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "suspendd.conf")
	if err := os.WriteFile(p, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConfigDefaults(t *testing.T) {
	c, err := GetConfig("")
	if err != nil {
		t.Fatal(err)
	}
	sc := c.SleepConfig()
	if sc.BaseSleepTime != 100*time.Millisecond {
		t.Fatalf("base sleep %v", sc.BaseSleepTime)
	}
	if sc.MaxSleepTime != 60*time.Second {
		t.Fatalf("max sleep %v", sc.MaxSleepTime)
	}
	if sc.SleepTimeScaleFactor != 2.0 {
		t.Fatalf("scale %v", sc.SleepTimeScaleFactor)
	}
	if sc.BackoffThreshold != 0 || sc.ShortSuspendThreshold != 0 {
		t.Fatalf("thresholds %+v", sc)
	}
	if !sc.FailedSuspendBackoffEnabled || sc.ShortSuspendBackoffEnabled {
		t.Fatalf("backoff enables %+v", sc)
	}
	if c.StatsCapacity() != 1000 {
		t.Fatalf("stats capacity %d", c.StatsCapacity())
	}
	if c.UseKernelWakelockInterface() {
		t.Fatal("passthrough mode on by default")
	}
}

func TestConfigFile(t *testing.T) {
	p := writeConfig(t, `
[Global]
	Base-Sleep-Time-Millis=10
	Max-Sleep-Time-Millis=80
	Sleep-Time-Scale-Factor=1.5
	Backoff-Threshold-Count=3
	Short-Suspend-Threshold-Millis=50
	Failed-Suspend-Backoff-Enabled=false
	Short-Suspend-Backoff-Enabled=true
	Stats-Capacity=16
	Log-Level=DEBUG
`)
	c, err := GetConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	sc := c.SleepConfig()
	if sc.BaseSleepTime != 10*time.Millisecond || sc.MaxSleepTime != 80*time.Millisecond {
		t.Fatalf("sleep bounds %+v", sc)
	}
	if sc.SleepTimeScaleFactor != 1.5 {
		t.Fatalf("scale %v", sc.SleepTimeScaleFactor)
	}
	if sc.BackoffThreshold != 3 || sc.ShortSuspendThreshold != 50*time.Millisecond {
		t.Fatalf("thresholds %+v", sc)
	}
	if sc.FailedSuspendBackoffEnabled || !sc.ShortSuspendBackoffEnabled {
		t.Fatalf("backoff enables %+v", sc)
	}
	if c.StatsCapacity() != 16 {
		t.Fatalf("stats capacity %d", c.StatsCapacity())
	}
	if c.LogLevel() != `DEBUG` {
		t.Fatalf("log level %s", c.LogLevel())
	}
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("SUSPENDD_BASE_SLEEP_TIME_MILLIS", "25")
	t.Setenv("SUSPENDD_FAILED_SUSPEND_BACKOFF_ENABLED", "false")
	c, err := GetConfig("")
	if err != nil {
		t.Fatal(err)
	}
	sc := c.SleepConfig()
	if sc.BaseSleepTime != 25*time.Millisecond {
		t.Fatalf("env base sleep lost: %v", sc.BaseSleepTime)
	}
	if sc.FailedSuspendBackoffEnabled {
		t.Fatal("env backoff disable lost")
	}
}

func TestConfigRejectsBadBounds(t *testing.T) {
	p := writeConfig(t, `
[Global]
	Base-Sleep-Time-Millis=500
	Max-Sleep-Time-Millis=100
`)
	if _, err := GetConfig(p); err == nil {
		t.Fatal("max below base accepted")
	}

	p = writeConfig(t, `
[Global]
	Sleep-Time-Scale-Factor=0.5
`)
	if _, err := GetConfig(p); err == nil {
		t.Fatal("sub-unity scale factor accepted")
	}
}
