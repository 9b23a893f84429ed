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
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/baikalos/platform-system-hardware-interfaces/log"
	"github.com/baikalos/platform-system-hardware-interfaces/reclaim"
)

func TestHandleConn(t *testing.T) {
	const pid = 5150
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reclaim"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	rec := reclaim.New(reclaim.Config{Workers: 1, ProcRoot: root}, log.NewDiscardLogger())
	srv, cli := net.Pipe()
	go handleConn(srv, rec, log.NewDiscardLogger())
	defer cli.Close()

	rd := bufio.NewScanner(cli)
	send := func(line string) string {
		t.Helper()
		if _, err := cli.Write([]byte(line + "\n")); err != nil {
			t.Fatal(err)
		}
		if !rd.Scan() {
			t.Fatal("connection closed early")
		}
		return rd.Text()
	}

	if resp := send("reclaim " + strconv.Itoa(pid)); resp != "ok" {
		t.Fatalf("reclaim response %q", resp)
	}
	if resp := send("reclaim banana"); resp != "err bad pid" {
		t.Fatalf("bad pid response %q", resp)
	}
	if resp := send("bogus"); resp != "err malformed request" {
		t.Fatalf("malformed response %q", resp)
	}

	rec.Shutdown()
	b, err := os.ReadFile(filepath.Join(dir, "reclaim"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "all" {
		t.Fatalf("reclaim node %q", string(b))
	}
}

func TestReclaimConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "memreclaimd.conf")
	body := `
[Global]
	Workers=2
	Proc-Root=/proc
	Zram-Dir=/sys/block/zram0
	Max-Writeback=8MB
	Log-Level=DEBUG
`
	if err := os.WriteFile(p, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}
	c, err := GetConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	rc := c.ReclaimConfig()
	if rc.Workers != 2 || rc.ProcRoot != "/proc" || rc.ZramDir != "/sys/block/zram0" {
		t.Fatalf("bad reclaim config: %+v", rc)
	}
	if uint64(rc.MaxWriteback) != 8*1024*1024 {
		t.Fatalf("max writeback %d", uint64(rc.MaxWriteback))
	}
}

func TestReclaimConfigZramRequiresBudget(t *testing.T) {
	p := filepath.Join(t.TempDir(), "memreclaimd.conf")
	if err := os.WriteFile(p, []byte("[Global]\n\tZram-Dir=/sys/block/zram0\n"), 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := GetConfig(p); err == nil {
		t.Fatal("zram dir without budget accepted")
	}
}
