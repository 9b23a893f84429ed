/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"
)

type testCfg struct {
	Global struct {
		Base_Sleep_Time_Millis uint64
		Log_Level              string
		Short_Backoff_Enabled  bool
	}
}

const testConfigBody = `
[Global]
	Base-Sleep-Time-Millis=250
	Log-Level=DEBUG
	Short-Backoff-Enabled=true
`

func TestLoadConfigBytes(t *testing.T) {
	var c testCfg
	if err := LoadConfigBytes(&c, []byte(testConfigBody)); err != nil {
		t.Fatal(err)
	}
	if c.Global.Base_Sleep_Time_Millis != 250 {
		t.Fatalf("bad sleep time: %d", c.Global.Base_Sleep_Time_Millis)
	}
	if c.Global.Log_Level != `DEBUG` {
		t.Fatalf("bad log level: %s", c.Global.Log_Level)
	}
	if !c.Global.Short_Backoff_Enabled {
		t.Fatal("bool did not parse")
	}
}

func TestLoadConfigBytesBadValue(t *testing.T) {
	var c testCfg
	if err := LoadConfigBytes(&c, []byte("[Global]\n\tNo-Such-Parameter=foo\n")); err == nil {
		t.Fatal("unknown parameter should fail")
	}
}

func TestLoadConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "suspendd.conf")
	if err := os.WriteFile(p, []byte(testConfigBody), 0640); err != nil {
		t.Fatal(err)
	}
	var c testCfg
	if err := LoadConfigFile(&c, p); err != nil {
		t.Fatal(err)
	}
	if c.Global.Base_Sleep_Time_Millis != 250 {
		t.Fatalf("bad sleep time: %d", c.Global.Base_Sleep_Time_Millis)
	}
}

func TestLoadEnvVar(t *testing.T) {
	var v uint64
	t.Setenv("SUSPENDD_TEST_SLEEP", "1234")
	if err := LoadEnvVarUint64(&v, "SUSPENDD_TEST_SLEEP", 10); err != nil {
		t.Fatal(err)
	}
	if v != 1234 {
		t.Fatalf("env override lost: %d", v)
	}

	var s string
	if err := LoadEnvVarString(&s, "SUSPENDD_TEST_UNSET", "fallback"); err != nil {
		t.Fatal(err)
	}
	if s != "fallback" {
		t.Fatalf("default lost: %s", s)
	}

	// a populated target always wins
	s = "explicit"
	t.Setenv("SUSPENDD_TEST_STRING", "env")
	if err := LoadEnvVarString(&s, "SUSPENDD_TEST_STRING", ""); err != nil {
		t.Fatal(err)
	}
	if s != "explicit" {
		t.Fatalf("config value clobbered: %s", s)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{`true`, `t`, `yes`, `y`, `1`} {
		if r, err := ParseBool(v); err != nil || !r {
			t.Fatalf("%q should parse true (%v)", v, err)
		}
	}
	for _, v := range []string{`false`, `f`, `no`, `n`, `0`} {
		if r, err := ParseBool(v); err != nil || r {
			t.Fatalf("%q should parse false (%v)", v, err)
		}
	}
	if _, err := ParseBool(`maybe`); err == nil {
		t.Fatal("bad bool should error")
	}
}
