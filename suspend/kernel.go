/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package suspend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
)

const (
	sleepState = `mem`

	// single read buffer for the wakeup count, the kernel hands back a
	// decimal counter so this is enormously oversized
	wakeupCountBufSize = 128
)

var (
	ErrEmptyWakeupCount = errors.New("empty wakeup count")
	ErrShortWrite       = errors.New("short write")
	ErrNotAvailable     = errors.New("kernel interface not available")
)

// KernelPaths names the sysfs and procfs endpoints the controller drives.
type KernelPaths struct {
	WakeupCount   string
	State         string
	SuspendStats  string
	ClassWakeup   string
	WakeupReasons string
	SuspendTime   string
	WakeLock      string
	WakeUnlock    string
}

// DefaultKernelPaths returns the endpoint paths below the given root,
// which is "/" on a real system and a temp dir under test.
func DefaultKernelPaths(root string) KernelPaths {
	return KernelPaths{
		WakeupCount:   filepath.Join(root, "sys/power/wakeup_count"),
		State:         filepath.Join(root, "sys/power/state"),
		SuspendStats:  filepath.Join(root, "sys/power/suspend_stats"),
		ClassWakeup:   filepath.Join(root, "sys/class/wakeup"),
		WakeupReasons: filepath.Join(root, "sys/kernel/wakeup_reasons/last_resume_reason"),
		SuspendTime:   filepath.Join(root, "sys/kernel/wakeup_reasons/last_suspend_time"),
		WakeLock:      filepath.Join(root, "sys/power/wake_lock"),
		WakeUnlock:    filepath.Join(root, "sys/power/wake_unlock"),
	}
}

// KernelInterface wraps the kernel files that drive opportunistic
// suspend.  The wakeup count and state files are held open for the
// process lifetime; the stats trees are re-read on demand.
type KernelInterface struct {
	wakeupCount *os.File
	state       *os.File
	reasons     *os.File
	suspTime    *os.File

	suspendStatsDir string
	classWakeupDir  string

	wakeLock   *os.File
	wakeUnlock *os.File

	// emulated is set when the real wakeup_count/state pair could not
	// be opened and a connected socketpair was substituted so the
	// suspend loop blocks without ever driving the kernel
	emulated bool

	lg *log.Logger
}

// OpenKernelInterface opens the endpoints in p.  A failure to open
// WakeupCount or State is not fatal: the pair is replaced with the ends
// of an in-process socketpair so the process still serves wake lock
// accounting on platforms that do not own suspend.  Failures on the
// stats endpoints are logged and leave those reads returning errors.
func OpenKernelInterface(p KernelPaths, lg *log.Logger) (*KernelInterface, error) {
	k := &KernelInterface{
		suspendStatsDir: p.SuspendStats,
		classWakeupDir:  p.ClassWakeup,
		lg:              lg,
	}
	var err error
	if k.wakeupCount, err = os.OpenFile(p.WakeupCount, os.O_RDWR|unix.O_CLOEXEC, 0); err != nil {
		lg.Warn("failed to open wakeup count", log.KV("path", p.WakeupCount), log.KVErr(err))
		k.wakeupCount = nil
	}
	if k.state, err = os.OpenFile(p.State, os.O_RDWR|unix.O_CLOEXEC, 0); err != nil {
		lg.Warn("failed to open sleep state", log.KV("path", p.State), log.KVErr(err))
		k.state = nil
	}
	if k.wakeupCount == nil || k.state == nil {
		if k.wakeupCount != nil {
			k.wakeupCount.Close()
		}
		if k.state != nil {
			k.state.Close()
		}
		if k.wakeupCount, k.state, err = emulatedPair(); err != nil {
			return nil, err
		}
		k.emulated = true
		lg.Info("suspend endpoints unavailable, running in accounting-only mode")
	}
	if k.reasons, err = os.OpenFile(p.WakeupReasons, os.O_RDONLY|unix.O_CLOEXEC, 0); err != nil {
		lg.Warn("failed to open wakeup reasons", log.KV("path", p.WakeupReasons), log.KVErr(err))
		k.reasons = nil
	}
	if k.suspTime, err = os.OpenFile(p.SuspendTime, os.O_RDONLY|unix.O_CLOEXEC, 0); err != nil {
		lg.Warn("failed to open suspend time", log.KV("path", p.SuspendTime), log.KVErr(err))
		k.suspTime = nil
	}
	return k, nil
}

// OpenKernelPassthrough opens the wake_lock/wake_unlock pair for kernel
// passthrough mode.  Both must open or the mode is refused.
func (k *KernelInterface) OpenKernelPassthrough(p KernelPaths) error {
	var err error
	if k.wakeLock, err = os.OpenFile(p.WakeLock, os.O_WRONLY|unix.O_CLOEXEC, 0); err != nil {
		return fmt.Errorf("failed to open %s %w", p.WakeLock, err)
	}
	if k.wakeUnlock, err = os.OpenFile(p.WakeUnlock, os.O_WRONLY|unix.O_CLOEXEC, 0); err != nil {
		k.wakeLock.Close()
		k.wakeLock = nil
		return fmt.Errorf("failed to open %s %w", p.WakeUnlock, err)
	}
	return nil
}

// emulatedPair hands back a connected stream socketpair wrapped in
// os.Files.  Reads block until the peer writes, which is exactly the
// behavior the suspend loop needs when nobody owns suspend.
func emulatedPair() (a, b *os.File, err error) {
	var fds [2]int
	if fds, err = unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0); err != nil {
		return
	}
	a = os.NewFile(uintptr(fds[0]), "wakeup_count")
	b = os.NewFile(uintptr(fds[1]), "state")
	return
}

// Emulated indicates the wakeup_count/state pair is an in-process
// substitute rather than the real kernel files.
func (k *KernelInterface) Emulated() bool {
	return k.emulated
}

// Close releases every held file.
func (k *KernelInterface) Close() {
	for _, f := range []*os.File{k.wakeupCount, k.state, k.reasons, k.suspTime, k.wakeLock, k.wakeUnlock} {
		if f != nil {
			f.Close()
		}
	}
}

// ReadWakeupCount rewinds and reads the wakeup count in a single read.
// The returned string is the exact token to hand back to
// WriteWakeupCount when arming a suspend.
func (k *KernelInterface) ReadWakeupCount() (string, error) {
	// the seek fails with ESPIPE on the emulated socketpair, that is fine
	k.wakeupCount.Seek(0, 0)
	buf := make([]byte, wakeupCountBufSize)
	n, err := k.wakeupCount.Read(buf)
	if err != nil {
		return ``, err
	}
	v := strings.TrimSpace(string(buf[:n]))
	if len(v) == 0 {
		return ``, ErrEmptyWakeupCount
	}
	return v, nil
}

// WriteWakeupCount writes a previously read count back, arming the
// suspend.  The kernel rejects the write if a wake event occurred since
// the count was read.
func (k *KernelInterface) WriteWakeupCount(count string) error {
	n, err := k.wakeupCount.Write([]byte(count))
	if err != nil {
		return err
	}
	if n != len(count) {
		return ErrShortWrite
	}
	return nil
}

// WriteState commits the suspend by writing the sleep state.  The call
// does not return until the kernel resumes.
func (k *KernelInterface) WriteState() error {
	n, err := k.state.Write([]byte(sleepState))
	if err != nil {
		return err
	}
	if n != len(sleepState) {
		return ErrShortWrite
	}
	return nil
}

// WriteWakeLock writes a lock name to the kernel wake_lock file.
func (k *KernelInterface) WriteWakeLock(name string) error {
	if k.wakeLock == nil {
		return ErrNotAvailable
	}
	_, err := k.wakeLock.Write([]byte(name))
	return err
}

// WriteWakeUnlock writes a lock name to the kernel wake_unlock file.
func (k *KernelInterface) WriteWakeUnlock(name string) error {
	if k.wakeUnlock == nil {
		return ErrNotAvailable
	}
	_, err := k.wakeUnlock.Write([]byte(name))
	return err
}

// ReadWakeupReasons reads the newline separated reason lines from the
// kernel's last resume.
func (k *KernelInterface) ReadWakeupReasons() ([]string, error) {
	if k.reasons == nil {
		return nil, ErrNotAvailable
	}
	if _, err := k.reasons.Seek(0, 0); err != nil {
		return nil, err
	}
	b, err := readAll(k.reasons)
	if err != nil {
		return nil, err
	}
	var reasons []string
	for _, ln := range strings.Split(string(b), "\n") {
		if ln = strings.TrimSpace(ln); len(ln) > 0 {
			reasons = append(reasons, ln)
		}
	}
	return reasons, nil
}

// ReadSuspendTime reads the suspend-time and sleep-time values of the
// last suspend, both fixed point seconds.
func (k *KernelInterface) ReadSuspendTime() (suspendTime, sleepTime time.Duration, err error) {
	if k.suspTime == nil {
		err = ErrNotAvailable
		return
	}
	if _, err = k.suspTime.Seek(0, 0); err != nil {
		return
	}
	var b []byte
	if b, err = readAll(k.suspTime); err != nil {
		return
	}
	flds := strings.Fields(strings.TrimSpace(string(b)))
	if len(flds) != 2 {
		err = fmt.Errorf("malformed suspend time %q", string(b))
		return
	}
	var sus, slp float64
	if sus, err = strconv.ParseFloat(flds[0], 64); err != nil {
		return
	}
	if slp, err = strconv.ParseFloat(flds[1], 64); err != nil {
		return
	}
	suspendTime = time.Duration(sus * float64(time.Second))
	sleepTime = time.Duration(slp * float64(time.Second))
	return
}

// ReadSuspendStats walks the suspend_stats directory and returns its
// counters.  Files that fail to read simply leave their field zeroed,
// kernels differ in which stats they expose.
func (k *KernelInterface) ReadSuspendStats() (si SuspendInfo, err error) {
	var ents []os.DirEntry
	if ents, err = os.ReadDir(k.suspendStatsDir); err != nil {
		return
	}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		v, lerr := readTrimmedFile(filepath.Join(k.suspendStatsDir, ent.Name()))
		if lerr != nil {
			continue
		}
		switch ent.Name() {
		case `success`:
			si.SuccessCount, _ = strconv.ParseInt(v, 10, 64)
		case `fail`:
			si.FailCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_freeze`:
			si.FailedFreezeCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_prepare`:
			si.FailedPrepareCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_suspend`:
			si.FailedSuspendCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_suspend_late`:
			si.FailedSuspendLateCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_suspend_noirq`:
			si.FailedSuspendNoirqCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_resume`:
			si.FailedResumeCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_resume_early`:
			si.FailedResumeEarlyCount, _ = strconv.ParseInt(v, 10, 64)
		case `failed_resume_noirq`:
			si.FailedResumeNoirqCount, _ = strconv.ParseInt(v, 10, 64)
		case `last_failed_dev`:
			si.LastFailedDev = v
		case `last_failed_errno`:
			si.LastFailedErrno, _ = strconv.ParseInt(v, 10, 64)
		case `last_failed_step`:
			si.LastFailedStep = v
		}
	}
	return
}

// ReadKernelWakeLockStats enumerates the kernel's wakeup source tree and
// returns one entry per source.  Millisecond counters are converted to
// the microsecond base the rest of the stats use.
func (k *KernelInterface) ReadKernelWakeLockStats() ([]WakeLockInfo, error) {
	ents, err := os.ReadDir(k.classWakeupDir)
	if err != nil {
		return nil, err
	}
	var infos []WakeLockInfo
	for _, ent := range ents {
		dir := filepath.Join(k.classWakeupDir, ent.Name())
		name, lerr := readTrimmedFile(filepath.Join(dir, `name`))
		if lerr != nil {
			continue
		}
		wi := WakeLockInfo{
			Name:               name,
			Pid:                -1,
			IsKernelWakelock:   true,
			ActiveCount:        readIntFile(filepath.Join(dir, `active_count`)),
			ActiveTime:         readMsFile(filepath.Join(dir, `active_time_ms`)),
			LastChange:         readMsFile(filepath.Join(dir, `last_change_ms`)),
			MaxTime:            readMsFile(filepath.Join(dir, `max_time_ms`)),
			TotalTime:          readMsFile(filepath.Join(dir, `total_time_ms`)),
			EventCount:         readIntFile(filepath.Join(dir, `event_count`)),
			WakeupCount:        readIntFile(filepath.Join(dir, `wakeup_count`)),
			ExpireCount:        readIntFile(filepath.Join(dir, `expire_count`)),
			PreventSuspendTime: readMsFile(filepath.Join(dir, `prevent_suspend_time_ms`)),
		}
		wi.IsActive = wi.ActiveTime > 0
		infos = append(infos, wi)
	}
	return infos, nil
}

// readAll reads everything available in a single read syscall, sysfs
// attributes are always smaller than the buffer.
func readAll(f *os.File) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func readTrimmedFile(p string) (string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return ``, err
	}
	return strings.TrimSpace(string(b)), nil
}

func readIntFile(p string) int64 {
	v, err := readTrimmedFile(p)
	if err != nil {
		return 0
	}
	r, _ := strconv.ParseInt(v, 10, 64)
	return r
}

func readMsFile(p string) int64 {
	return readIntFile(p) * 1000
}
