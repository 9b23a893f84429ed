/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"bufio"
	"errors"
	"os"
	"strconv"
)

var (
	errNoEnvArg     = errors.New("no env arg")
	ErrEmptyEnvFile = errors.New("Environment secret file is empty")
)

func loadEnvFile(nm string) (r string, err error) {
	var fin *os.File
	if fin, err = os.Open(nm); err != nil {
		// they specified a file but we can't open it
		return
	}
	s := bufio.NewScanner(fin)
	s.Scan()
	if err = s.Err(); err != nil {
		fin.Close()
		return
	}
	r = s.Text()
	if err = fin.Close(); err != nil {
		return
	} else if r == `` {
		// there was nothing in the file?
		err = ErrEmptyEnvFile
	}
	return
}

func loadEnv(nm string) (s string, err error) {
	var ok bool
	if s, ok = os.LookupEnv(nm); ok {
		return
	}

	//try to load the FILE version
	if fp, ok := os.LookupEnv(nm + `_FILE`); ok {
		s, err = loadEnvFile(fp)
	} else {
		err = errNoEnvArg
	}
	return
}

// LoadEnvVarString reads a value from the environment variable named
// envName into cnd, but only if cnd is currently empty.  If the variable
// is absent it attempts <envName>_FILE as a file holding the value, then
// falls back to defVal.
func LoadEnvVarString(cnd *string, envName, defVal string) error {
	if cnd == nil {
		return ErrInvalidArgument
	}
	if len(*cnd) > 0 {
		return nil
	}
	s, err := loadEnv(envName)
	if err != nil {
		if err == errNoEnvArg {
			*cnd = defVal
			return nil
		}
		return err
	}
	*cnd = s
	return nil
}

// LoadEnvVarBool behaves as LoadEnvVarString for boolean values; a true
// config value always wins over the environment, a false one is treated
// as unset.
func LoadEnvVarBool(cnd *bool, envName string, defVal bool) error {
	if cnd == nil {
		return ErrInvalidArgument
	}
	if *cnd {
		return nil
	}
	s, err := loadEnv(envName)
	if err != nil {
		if err == errNoEnvArg {
			*cnd = defVal
			return nil
		}
		return err
	}
	v, err := ParseBool(s)
	if err != nil {
		return err
	}
	*cnd = v
	return nil
}

// LoadEnvVarUint64 behaves as LoadEnvVarString for unsigned values; a
// zero config value is treated as unset.
func LoadEnvVarUint64(cnd *uint64, envName string, defVal uint64) error {
	if cnd == nil {
		return ErrInvalidArgument
	}
	if *cnd != 0 {
		return nil
	}
	s, err := loadEnv(envName)
	if err != nil {
		if err == errNoEnvArg {
			*cnd = defVal
			return nil
		}
		return err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*cnd = v
	return nil
}
