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
	"strconv"
	"time"

	"github.com/baikalos/platform-system-hardware-interfaces/config"
	"github.com/baikalos/platform-system-hardware-interfaces/suspend"
)

const (
	defaultBaseSleepTimeMillis        = 100
	defaultMaxSleepTimeMillis         = 60000
	defaultSleepTimeScaleFactor       = 2.0
	defaultBackoffThresholdCount      = 0
	defaultShortSuspendThresholdMilli = 0
	defaultStatsCapacity              = 1000

	defaultControlSocket = `/var/run/suspendd/control.sock`
	defaultPidFile       = `/var/run/suspendd/suspendd.pid`
	defaultLogLevel      = `INFO`
)

type cfgType struct {
	Global struct {
		Base_Sleep_Time_Millis         uint64
		Max_Sleep_Time_Millis          uint64
		Sleep_Time_Scale_Factor        string
		Backoff_Threshold_Count        uint64
		Short_Suspend_Threshold_Millis uint64
		Failed_Suspend_Backoff_Enabled string
		Short_Suspend_Backoff_Enabled  bool
		Use_Kernel_Wakelock_Interface  bool
		Stats_Capacity                 uint64
		Sysfs_Root                     string
		Control_Socket                 string
		Pid_File                       string
		Log_Level                      string
		Log_File                       string
	}
}

// GetConfig loads and verifies the daemon config.  A missing file is
// not an error; every parameter has a default, and the sleep and backoff
// parameters and the control socket also take an environment override.
func GetConfig(path string) (*cfgType, error) {
	var c cfgType
	if len(path) > 0 {
		if err := config.LoadConfigFile(&c, path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := c.loadEnvOverrides(); err != nil {
		return nil, err
	}
	if err := verifyConfig(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *cfgType) loadEnvOverrides() error {
	g := &c.Global
	if err := config.LoadEnvVarUint64(&g.Base_Sleep_Time_Millis, `SUSPENDD_BASE_SLEEP_TIME_MILLIS`, 0); err != nil {
		return err
	}
	if err := config.LoadEnvVarUint64(&g.Max_Sleep_Time_Millis, `SUSPENDD_MAX_SLEEP_TIME_MILLIS`, 0); err != nil {
		return err
	}
	if err := config.LoadEnvVarString(&g.Sleep_Time_Scale_Factor, `SUSPENDD_SLEEP_TIME_SCALE_FACTOR`, ``); err != nil {
		return err
	}
	if err := config.LoadEnvVarUint64(&g.Backoff_Threshold_Count, `SUSPENDD_BACKOFF_THRESHOLD_COUNT`, 0); err != nil {
		return err
	}
	if err := config.LoadEnvVarUint64(&g.Short_Suspend_Threshold_Millis, `SUSPENDD_SHORT_SUSPEND_THRESHOLD_MILLIS`, 0); err != nil {
		return err
	}
	if err := config.LoadEnvVarString(&g.Failed_Suspend_Backoff_Enabled, `SUSPENDD_FAILED_SUSPEND_BACKOFF_ENABLED`, ``); err != nil {
		return err
	}
	if err := config.LoadEnvVarBool(&g.Short_Suspend_Backoff_Enabled, `SUSPENDD_SHORT_SUSPEND_BACKOFF_ENABLED`, false); err != nil {
		return err
	}
	if err := config.LoadEnvVarString(&g.Control_Socket, `SUSPENDD_CONTROL_SOCKET`, ``); err != nil {
		return err
	}
	return nil
}

func verifyConfig(c *cfgType) error {
	if _, err := c.scaleFactor(); err != nil {
		return err
	}
	if _, err := c.failedBackoffEnabled(); err != nil {
		return err
	}
	base := c.baseSleepMillis()
	max := c.maxSleepMillis()
	if base == 0 {
		return errors.New("Base-Sleep-Time-Millis must be nonzero")
	}
	if max < base {
		return errors.New("Max-Sleep-Time-Millis is below Base-Sleep-Time-Millis")
	}
	if sf, _ := c.scaleFactor(); sf < 1.0 {
		return errors.New("Sleep-Time-Scale-Factor must be at least 1.0")
	}
	return nil
}

func (c *cfgType) baseSleepMillis() uint64 {
	if c.Global.Base_Sleep_Time_Millis == 0 {
		return defaultBaseSleepTimeMillis
	}
	return c.Global.Base_Sleep_Time_Millis
}

func (c *cfgType) maxSleepMillis() uint64 {
	if c.Global.Max_Sleep_Time_Millis == 0 {
		return defaultMaxSleepTimeMillis
	}
	return c.Global.Max_Sleep_Time_Millis
}

func (c *cfgType) scaleFactor() (float64, error) {
	if len(c.Global.Sleep_Time_Scale_Factor) == 0 {
		return defaultSleepTimeScaleFactor, nil
	}
	return strconv.ParseFloat(c.Global.Sleep_Time_Scale_Factor, 64)
}

func (c *cfgType) failedBackoffEnabled() (bool, error) {
	if len(c.Global.Failed_Suspend_Backoff_Enabled) == 0 {
		return true, nil
	}
	return config.ParseBool(c.Global.Failed_Suspend_Backoff_Enabled)
}

// SleepConfig assembles the backoff configuration for the core.
func (c *cfgType) SleepConfig() suspend.SleepTimeConfig {
	sf, _ := c.scaleFactor()
	fbe, _ := c.failedBackoffEnabled()
	return suspend.SleepTimeConfig{
		BaseSleepTime:               time.Duration(c.baseSleepMillis()) * time.Millisecond,
		MaxSleepTime:                time.Duration(c.maxSleepMillis()) * time.Millisecond,
		SleepTimeScaleFactor:        sf,
		BackoffThreshold:            uint32(c.Global.Backoff_Threshold_Count),
		ShortSuspendThreshold:       time.Duration(c.Global.Short_Suspend_Threshold_Millis) * time.Millisecond,
		FailedSuspendBackoffEnabled: fbe,
		ShortSuspendBackoffEnabled:  c.Global.Short_Suspend_Backoff_Enabled,
	}
}

func (c *cfgType) StatsCapacity() int {
	if c.Global.Stats_Capacity == 0 {
		return defaultStatsCapacity
	}
	return int(c.Global.Stats_Capacity)
}

func (c *cfgType) SysfsRoot() string {
	if len(c.Global.Sysfs_Root) == 0 {
		return `/`
	}
	return c.Global.Sysfs_Root
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

func (c *cfgType) UseKernelWakelockInterface() bool {
	return c.Global.Use_Kernel_Wakelock_Interface
}
