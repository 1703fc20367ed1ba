package cli_test

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/calvinalkan/fsmutex/internal/cli"
	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

func openLog(t *testing.T, path string, skipHashing ...bool) *fsmutex.AppendLog {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("a second handle in the same process only waits on the first on Linux")
	}

	a, err := fsmutex.OpenAppendLog(fsmutex.Options{Path: path, SkipHashing: len(skipHashing) > 0 && skipHashing[0]})
	if err != nil {
		t.Fatalf("OpenAppendLog: %v", err)
	}

	t.Cleanup(func() { _ = a.Close() })

	return a
}

func Test_Dump_Shows_Live_Records_When_Lock_Held(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.Path("log")
	a := openLog(t, path)

	g, err := a.TryLock([]fsmutex.Entity{fsmutex.NewEntity(5, true), fsmutex.NewEntity(6, false)})
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	defer g.Unlock()

	stdout := c.MustRun("dump", path)

	cli.AssertContains(t, stdout, "size: 384")
	cli.AssertContains(t, stdout, "header: ok generation=0")
	cli.AssertContains(t, stdout, "first_known_good=128")
	cli.AssertContains(t, stdout, "records: 2")
	cli.AssertContains(t, stdout, "@128 interest")
	cli.AssertContains(t, stdout, "@256 havelock id=128")
	cli.AssertContains(t, stdout, "entities=[5x 6s]")
	cli.AssertNotContains(t, stdout, "torn")
}

func Test_Dump_Reports_Torn_Record_When_Hash_Mismatch(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.Path("log")
	a := openLog(t, path)

	g, err := a.TryLock([]fsmutex.Entity{fsmutex.NewEntity(5, true)})
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	defer g.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = f.WriteAt([]byte{0xFF}, 256+40)
	_ = f.Close()

	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	stdout := c.MustRun("dump", path)

	cli.AssertContains(t, stdout, "records: 1")
	cli.AssertContains(t, stdout, "@256 torn")
}

func Test_Dump_Fails_When_File_Is_Not_A_Log(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("dump", c.Path("missing"))
	cli.AssertContains(t, stderr, "open append log")

	short := c.WriteFile("short", "hello")
	stderr = c.MustFail("dump", short)
	cli.AssertContains(t, stderr, "not an append log")
}

func Test_Dump_Warns_When_Header_Hash_Mismatch(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.WriteFile("junk", strings.Repeat("\x00", 128))

	stdout, stderr, code := c.Run("dump", path)

	if got, want := code, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stdout, "header: torn")
	cli.AssertContains(t, stderr, "warning: header hash mismatch")
}

func Test_Compact_Advances_First_Known_Good_When_Claims_Released(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.Path("log")
	a := openLog(t, path)

	for range 3 {
		g, err := a.TryLock([]fsmutex.Entity{fsmutex.NewEntity(9, true)})
		if err != nil {
			t.Fatalf("TryLock: %v", err)
		}

		g.Unlock()
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	stdout := c.MustRun("compact", path)

	cli.AssertContains(t, stdout, "header: ok generation=1")
	cli.AssertContains(t, stdout, fmt.Sprintf("first_known_good=%d", info.Size()-256))

	// A second pass finds nothing new and leaves the header alone.
	stdout = c.MustRun("compact", path)
	cli.AssertContains(t, stdout, "generation=1")

	hdr, err := a.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}

	if got, want := hdr.FirstKnownGood, uint64(info.Size()-256); got != want {
		t.Fatalf("FirstKnownGood=%d, want=%d", got, want)
	}
}

func Test_Dump_And_Compact_Read_Log_When_Config_Skips_Hashing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := c.Path("log")
	a := openLog(t, path, true)
	config := c.WriteFile("skip.json", `{"skip_hashing": true}`)

	for range 3 {
		g, err := a.TryLock([]fsmutex.Entity{fsmutex.NewEntity(9, true)})
		if err != nil {
			t.Fatalf("TryLock: %v", err)
		}

		g.Unlock()
	}

	g, err := a.TryLock([]fsmutex.Entity{fsmutex.NewEntity(5, true)})
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	defer g.Unlock()

	stdout := c.MustRun("-c", config, "dump", path)

	cli.AssertContains(t, stdout, "header: ok")
	cli.AssertContains(t, stdout, "entities=[5x]")
	cli.AssertNotContains(t, stdout, "torn")

	stdout = c.MustRun("-c", config, "compact", path)
	cli.AssertContains(t, stdout, "header: ok generation=1")

	// Without the setting the same log fails every hash check.
	stderr := c.MustFail("compact", path)
	cli.AssertContains(t, stderr, "not an append log")
}

func Test_Compact_Fails_When_File_Is_Not_A_Log(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("compact", c.Path("missing"))
	cli.AssertContains(t, stderr, "not an append log")

	if _, err := os.Stat(c.Path("missing")); !os.IsNotExist(err) {
		t.Fatalf("compact created the file: stat err=%v", err)
	}
}
