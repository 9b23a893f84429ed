/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package reclaim pushes idle process memory out to swap and writes the
// swapped pages back to the zram backing device.  Requests fan out over
// a bounded worker pool; each request is a single pid.
package reclaim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/inhies/go-bytesize"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sync/errgroup"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
)

const (
	defaultWorkers = 4

	// what the kernel's per-process reclaim interface accepts
	reclaimAll = `all`

	// page granularity of the zram writeback limit
	pageSize = 4096
)

var (
	ErrShutdown = errors.New("reclaimer is shut down")
)

// Config sizes the pool and points it at the relevant kernel files.
type Config struct {
	Workers int
	// ProcRoot is "/proc" in production, a temp tree under test
	ProcRoot string
	// ZramDir holds the writeback and writeback_limit nodes; empty
	// disables the writeback pass
	ZramDir string
	// MaxWriteback caps how much is written back per reclaim; zero
	// leaves the kernel's limit untouched
	MaxWriteback bytesize.ByteSize
}

// Reclaimer is the worker pool.  Reclaim schedules work; Shutdown
// drains it.  Safe for concurrent use.
type Reclaimer struct {
	cfg Config
	grp *errgroup.Group
	lg  *log.Logger

	mtx  sync.Mutex
	down bool
}

func New(cfg Config, lg *log.Logger) *Reclaimer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if len(cfg.ProcRoot) == 0 {
		cfg.ProcRoot = `/proc`
	}
	grp := new(errgroup.Group)
	grp.SetLimit(cfg.Workers)
	return &Reclaimer{
		cfg: cfg,
		grp: grp,
		lg:  lg,
	}
}

// Reclaim schedules a reclaim pass for pid.  The call blocks while all
// workers are busy.  Work scheduled after Shutdown is refused.
func (r *Reclaimer) Reclaim(pid int) error {
	r.mtx.Lock()
	if r.down {
		r.mtx.Unlock()
		return ErrShutdown
	}
	r.mtx.Unlock()
	r.grp.Go(func() error {
		// failures are logged, not propagated; one unreclaimable pid
		// must not wedge the pool
		r.reclaimAndWriteBack(pid)
		return nil
	})
	return nil
}

// Shutdown refuses new work and waits for in-flight reclaims.
func (r *Reclaimer) Shutdown() {
	r.mtx.Lock()
	r.down = true
	r.mtx.Unlock()
	r.grp.Wait()
}

func (r *Reclaimer) reclaimAndWriteBack(pid int) {
	name := r.processName(pid)

	r.lg.Info("reclaiming process memory", log.KV("pid", pid), log.KV("name", name))
	reclaimPath := filepath.Join(r.cfg.ProcRoot, strconv.Itoa(pid), `reclaim`)
	if err := os.WriteFile(reclaimPath, []byte(reclaimAll), 0200); err != nil {
		r.lg.Error("failed to reclaim process memory",
			log.KV("pid", pid), log.KV("name", name), log.KVErr(err))
		return
	}

	if len(r.cfg.ZramDir) == 0 {
		return
	}
	if r.cfg.MaxWriteback > 0 {
		pages := uint64(r.cfg.MaxWriteback) / pageSize
		limitPath := filepath.Join(r.cfg.ZramDir, `writeback_limit`)
		if err := os.WriteFile(limitPath, []byte(strconv.FormatUint(pages, 10)), 0200); err != nil {
			r.lg.Warn("failed to set writeback limit", log.KVErr(err))
		}
	}
	wbPath := filepath.Join(r.cfg.ZramDir, `writeback`)
	if err := os.WriteFile(wbPath, []byte(`idle`), 0200); err != nil {
		r.lg.Error("failed to write back zram pages",
			log.KV("pid", pid), log.KV("name", name), log.KVErr(err))
		return
	}
	r.lg.Info("done reclaiming process memory", log.KV("pid", pid), log.KV("name", name))
}

// processName resolves a pid to its short name for logging.
func (r *Reclaimer) processName(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Sprintf("<unknown pid %d>", pid)
	}
	name, err := p.Name()
	if err != nil || len(name) == 0 {
		return fmt.Sprintf("<unknown pid %d>", pid)
	}
	return name
}
