/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
	"github.com/baikalos/platform-system-hardware-interfaces/reclaim"
	"github.com/baikalos/platform-system-hardware-interfaces/utils"
	"github.com/baikalos/platform-system-hardware-interfaces/version"
)

const (
	defaultConfigLoc = `/etc/memreclaimd/memreclaimd.conf`
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

	fl := flock.New(cfg.PidFile())
	locked, err := fl.TryLock()
	if err != nil {
		lgr.FatalCode(-1, "failed to lock pid file", log.KV("path", cfg.PidFile()), log.KVErr(err))
	}
	if !locked {
		lgr.FatalCode(-1, "another instance holds the pid file", log.KV("path", cfg.PidFile()))
	}
	defer fl.Unlock()

	rec := reclaim.New(cfg.ReclaimConfig(), lgr)

	os.Remove(cfg.ControlSocket())
	lst, err := net.Listen(`unix`, cfg.ControlSocket())
	if err != nil {
		lgr.FatalCode(-1, "failed to bind control socket", log.KV("path", cfg.ControlSocket()), log.KVErr(err))
	}
	go serve(lst, rec, lgr)
	lgr.Info("memory reclaimer running", log.KV("socket", cfg.ControlSocket()),
		log.KV("version", version.GetVersion()))
	debugout("Control socket at %s\n", cfg.ControlSocket())

	sig := utils.WaitForQuit()
	lgr.Info("exiting", log.KV("signal", sig))
	lst.Close()
	rec.Shutdown()
}

// serve answers "reclaim <pid>" lines with "ok" or "err <reason>".
func serve(lst net.Listener, rec *reclaim.Reclaimer, lgr *log.Logger) {
	for {
		c, err := lst.Accept()
		if err != nil {
			return
		}
		go handleConn(c, rec, lgr)
	}
}

func handleConn(c net.Conn, rec *reclaim.Reclaimer, lgr *log.Logger) {
	defer c.Close()
	scn := bufio.NewScanner(c)
	for scn.Scan() {
		flds := strings.Fields(scn.Text())
		if len(flds) != 2 || flds[0] != `reclaim` {
			lgr.Debug("malformed reclaim request", log.KV("request", scn.Text()))
			fmt.Fprintf(c, "err malformed request\n")
			continue
		}
		pid, err := strconv.Atoi(flds[1])
		if err != nil || pid <= 0 {
			lgr.Debug("bad pid in reclaim request", log.KV("request", scn.Text()))
			fmt.Fprintf(c, "err bad pid\n")
			continue
		}
		if err = rec.Reclaim(pid); err != nil {
			fmt.Fprintf(c, "err %v\n", err)
			continue
		}
		fmt.Fprintf(c, "ok\n")
	}
}

func debugout(format string, args ...interface{}) {
	if !v {
		return
	}
	fmt.Printf(format, args...)
}
