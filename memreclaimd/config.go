/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"errors"
	"os"

	"github.com/inhies/go-bytesize"

	"github.com/baikalos/platform-system-hardware-interfaces/config"
	"github.com/baikalos/platform-system-hardware-interfaces/reclaim"
)

const (
	defaultWorkers       = 4
	defaultControlSocket = `/var/run/memreclaimd/control.sock`
	defaultPidFile       = `/var/run/memreclaimd/memreclaimd.pid`
	defaultLogLevel      = `INFO`
)

type cfgType struct {
	Global struct {
		Workers        uint64
		Proc_Root      string
		Zram_Dir       string
		Max_Writeback  string
		Control_Socket string
		Pid_File       string
		Log_Level      string
		Log_File       string
	}
}

func GetConfig(path string) (*cfgType, error) {
	var c cfgType
	if len(path) > 0 {
		if err := config.LoadConfigFile(&c, path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := config.LoadEnvVarString(&c.Global.Control_Socket, `MEMRECLAIMD_CONTROL_SOCKET`, ``); err != nil {
		return nil, err
	}
	if err := verifyConfig(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func verifyConfig(c *cfgType) error {
	if _, err := c.maxWriteback(); err != nil {
		return errors.New("Invalid Max-Writeback: " + err.Error())
	}
	if len(c.Global.Zram_Dir) > 0 && len(c.Global.Max_Writeback) == 0 {
		return errors.New("Zram-Dir requires Max-Writeback")
	}
	return nil
}

func (c *cfgType) maxWriteback() (bytesize.ByteSize, error) {
	if len(c.Global.Max_Writeback) == 0 {
		return 0, nil
	}
	return bytesize.Parse(c.Global.Max_Writeback)
}

// ReclaimConfig assembles the worker pool configuration.
func (c *cfgType) ReclaimConfig() reclaim.Config {
	mw, _ := c.maxWriteback()
	workers := int(c.Global.Workers)
	if workers == 0 {
		workers = defaultWorkers
	}
	return reclaim.Config{
		Workers:      workers,
		ProcRoot:     c.Global.Proc_Root,
		ZramDir:      c.Global.Zram_Dir,
		MaxWriteback: mw,
	}
}

func (c *cfgType) ControlSocket() string {
	if len(c.Global.Control_Socket) == 0 {
		return defaultControlSocket
	}
	return c.Global.Control_Socket
}

func (c *cfgType) PidFile() string {
	if len(c.Global.Pid_File) == 0 {
		return defaultPidFile
	}
	return c.Global.Pid_File
}

func (c *cfgType) LogLevel() string {
	if len(c.Global.Log_Level) == 0 {
		return defaultLogLevel
	}
	return c.Global.Log_Level
}
