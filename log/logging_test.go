/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type bufCloser struct {
	bytes.Buffer
}

func (bc *bufCloser) Close() error {
	return nil
}

func TestNew(t *testing.T) {
	var bb bufCloser
	lgr := New(&bb)
	if err := lgr.Criticalf("test: %d", 99); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bb.String(), "test: 99") {
		t.Fatalf("missing log body: %q", bb.String())
	}
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "test.log")
	lgr, err := NewFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if err = lgr.Errorf("test: %d", 99); err != nil {
		t.Fatal(err)
	}
	if err = lgr.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "test: 99") {
		t.Fatalf("missing log body: %q", string(b))
	}
}

func TestLevels(t *testing.T) {
	var bb bufCloser
	lgr := New(&bb)
	if err := lgr.SetLevel(ERROR); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Infof("should not appear"); err != nil {
		t.Fatal(err)
	}
	if bb.Len() != 0 {
		t.Fatalf("INFO emitted at ERROR level: %q", bb.String())
	}
	if err := lgr.Errorf("should appear"); err != nil {
		t.Fatal(err)
	}
	if bb.Len() == 0 {
		t.Fatal("ERROR suppressed at ERROR level")
	}
}

func TestStructured(t *testing.T) {
	var bb bufCloser
	lgr := New(&bb)
	if err := lgr.Info("suspend attempt", KV("success", false), KV("reason", "57 qcom-pdc")); err != nil {
		t.Fatal(err)
	}
	out := bb.String()
	if !strings.Contains(out, `success="false"`) || !strings.Contains(out, "qcom-pdc") {
		t.Fatalf("missing structured data: %q", out)
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		v    string
		want Level
		bad  bool
	}{
		{v: `info`, want: INFO},
		{v: ` WARN `, want: WARN},
		{v: `CRITICAL`, want: CRITICAL},
		{v: `garbage`, bad: true},
	}
	for _, tt := range tests {
		l, err := LevelFromString(tt.v)
		if tt.bad {
			if err == nil {
				t.Fatalf("%q should not parse", tt.v)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.v, err)
		}
		if l != tt.want {
			t.Fatalf("%q: got %v want %v", tt.v, l, tt.want)
		}
	}
}

func TestClosed(t *testing.T) {
	var bb bufCloser
	lgr := New(&bb)
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Infof("too late"); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}
