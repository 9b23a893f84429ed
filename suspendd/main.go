/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/gofrs/flock"

	"github.com/baikalos/platform-system-hardware-interfaces/control"
	"github.com/baikalos/platform-system-hardware-interfaces/log"
	"github.com/baikalos/platform-system-hardware-interfaces/suspend"
	"github.com/baikalos/platform-system-hardware-interfaces/utils"
	"github.com/baikalos/platform-system-hardware-interfaces/version"
)

const (
	defaultConfigLoc = `/etc/suspendd/suspendd.conf`
)

var (
	configOverride = flag.String("config-file-override", defaultConfigLoc, "Override location for configuration file")
	verbose        = flag.Bool("v", false, "Display verbose status updates to stdout")
	ver            = flag.Bool("version", false, "Print the version information and exit")

	v bool
)

func main() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	v = *verbose

	debug.SetTraceback("all")
	utils.IgnoreSigPipe()

	cfg, err := GetConfig(*configOverride)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get configuration: %v\n", err)
		os.Exit(-1)
	}

	var lgr *log.Logger
	if lf := cfg.Global.Log_File; len(lf) > 0 {
		if lgr, err = log.NewFile(lf); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", lf, err)
			os.Exit(-1)
		}
	} else {
		lgr = log.NewStderrLogger()
	}
	if err = lgr.SetLevelString(cfg.LogLevel()); err != nil {
		lgr.FatalCode(-1, "invalid log level", log.KV("level", cfg.LogLevel()))
	}

	// a second controller fighting over /sys/power/state would be a
	// disaster; take the pid file lock before touching anything
	fl := flock.New(cfg.PidFile())
	locked, err := fl.TryLock()
	if err != nil {
		lgr.FatalCode(-1, "failed to lock pid file", log.KV("path", cfg.PidFile()), log.KVErr(err))
	}
	if !locked {
		lgr.FatalCode(-1, "another instance holds the pid file", log.KV("path", cfg.PidFile()))
	}
	defer fl.Unlock()

	kif, err := suspend.OpenKernelInterface(suspend.DefaultKernelPaths(cfg.SysfsRoot()), lgr)
	if err != nil {
		lgr.FatalCode(-1, "failed to open kernel interface", log.KVErr(err))
	}
	defer kif.Close()
	debugout("Opened kernel interface (emulated: %v)\n", kif.Emulated())

	useCounter := !cfg.UseKernelWakelockInterface()
	if !useCounter {
		if err = kif.OpenKernelPassthrough(suspend.DefaultKernelPaths(cfg.SysfsRoot())); err != nil {
			lgr.FatalCode(-1, "failed to open kernel wake lock interface", log.KVErr(err))
		}
	}

	sys := suspend.NewSystemSuspend(kif, cfg.SleepConfig(), cfg.StatsCapacity(), useCounter, lgr)
	ctrl := suspend.NewSuspendControl(sys)

	srv, err := control.NewServer(cfg.ControlSocket(), ctrl, lgr)
	if err != nil {
		lgr.FatalCode(-1, "failed to bind control socket", log.KV("path", cfg.ControlSocket()), log.KVErr(err))
	}
	go srv.Serve()
	lgr.Info("suspend controller running", log.KV("socket", cfg.ControlSocket()),
		log.KV("version", version.GetVersion()))
	debugout("Control socket at %s\n", cfg.ControlSocket())

	// SIGUSR1 dumps the stats tables to the log
	go dumpLoop(ctrl, lgr)

	sig := utils.WaitForQuit()
	lgr.Info("exiting", log.KV("signal", sig))
	srv.Close()
}

func dumpLoop(ctrl *suspend.SuspendControl, lgr *log.Logger) {
	dc := utils.GetDumpChannel()
	for range dc {
		for _, wl := range ctrl.WakeLockStats() {
			lgr.Info("wake lock stats entry",
				log.KV("name", wl.Name), log.KV("pid", wl.Pid),
				log.KV("active", wl.IsActive), log.KV("active_count", wl.ActiveCount),
				log.KV("max_time_us", wl.MaxTime), log.KV("total_time_us", wl.TotalTime),
				log.KV("kernel", wl.IsKernelWakelock))
		}
		for _, wu := range ctrl.WakeupStats() {
			lgr.Info("wakeup stats entry", log.KV("reason", wu.Name), log.KV("count", wu.Count))
		}
		if si, err := ctrl.SuspendStats(); err != nil {
			lgr.Warn("suspend stats unavailable", log.KVErr(err))
		} else {
			lgr.Info("suspend stats", log.KV("success", si.SuccessCount), log.KV("fail", si.FailCount),
				log.KV("last_failed_dev", si.LastFailedDev), log.KV("last_failed_step", si.LastFailedStep))
		}
	}
}

func debugout(format string, args ...interface{}) {
	if !v {
		return
	}
	fmt.Printf(format, args...)
}
