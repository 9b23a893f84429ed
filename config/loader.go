/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config provides the common base for daemon config files.  Each
// daemon extends the loader with its own cfgType and a GetConfig/verify
// pair; the on-disk format is INI style and parsed with gcfg.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"
)

const (
	// config files bigger than this are probably not config files
	maxConfigSize int64 = 1024 * 1024 * 2
)

var (
	ErrConfigFileTooLarge = errors.New("Config file is too large")
	ErrFailedFileRead     = errors.New("Failed to read entire config file")
	ErrInvalidArgument    = errors.New("Invalid argument")
)

// LoadConfigFile will open a config file, check the file size
// and load the bytes using LoadConfigBytes
func LoadConfigFile(v interface{}, p string) (err error) {
	var fin *os.File
	var fi os.FileInfo
	var n int64
	if fin, err = os.Open(p); err != nil {
		return
	} else if fi, err = fin.Stat(); err != nil {
		fin.Close()
		return
	} else if fi.Size() > maxConfigSize {
		fin.Close()
		err = ErrConfigFileTooLarge
		return
	}

	bb := bytes.NewBuffer(nil)
	if n, err = io.Copy(bb, fin); err != nil {
		fin.Close()
		return
	} else if n != fi.Size() {
		fin.Close()
		err = ErrFailedFileRead
	} else if err = fin.Close(); err == nil {
		err = LoadConfigBytes(v, bb.Bytes())
	}
	return
}

// LoadConfigBytes parses the INI-form bytes in b into the struct pointed
// at by v.  Unknown sections or values are an error; we would rather a
// daemon fail to start than silently ignore a typoed parameter.
func LoadConfigBytes(v interface{}, b []byte) error {
	if v == nil {
		return ErrInvalidArgument
	}
	return gcfg.ReadStringInto(v, string(b))
}
