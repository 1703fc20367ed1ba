package cli_test

import (
	"runtime"
	"strings"
	"testing"

	"github.com/calvinalkan/fsmutex/internal/cli"
	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

func Test_Shell_Runs_Script_When_Stdin_Is_Not_Terminal(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	script := strings.Join([]string{
		"# comments and blank lines are skipped",
		"",
		"lock 1 2",
		"held",
		"trylock 2",
		"rlock 3",
		"unlock #1",
		"trylock 2",
		"held",
		"dump",
		"unlock all",
		"bogus",
		"exit",
		"lock 99",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell", "--backend", "append_log", c.Path("log"))
	if code != 0 {
		t.Fatalf("exit code=%d, want 0\nstderr: %s", code, stderr)
	}

	for _, want := range []string{
		"#1 locked [1x 2x]",
		"#1 [1x 2x] hint=128",
		"lock failed after",
		"fsmutex: timed out",
		"#2 locked [3s]",
		"#1 released",
		"#3 locked [2x]",
		"records:",
		"havelock",
		"released 2",
		"unknown command: bogus",
	} {
		cli.AssertContains(t, stdout, want)
	}

	// Nothing after exit runs.
	cli.AssertNotContains(t, stdout, "99x")
	cli.AssertNotContains(t, stdout, "#4")
}

func Test_Shell_Reports_Contention_When_Other_Handle_Holds_Entity(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	dir := c.Path("locks")

	other, err := fsmutex.OpenLockFiles(fsmutex.Options{Path: dir})
	if err != nil {
		t.Fatalf("OpenLockFiles: %v", err)
	}

	defer func() { _ = other.Close() }()

	g, err := other.TryLock([]fsmutex.Entity{fsmutex.NewEntity(7, true)})
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	defer g.Unlock()

	stdout, stderr, code := c.RunWithInput("trylock 7\nlock -t 50ms 7\ntrylock 8\ntrylock orders\n",
		"shell", "-b", "lock_files", dir)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0\nstderr: %s", code, stderr)
	}

	if got := strings.Count(stdout, "fsmutex: timed out"); got != 2 {
		t.Errorf("timed out count=%d, want 2\nstdout:\n%s", got, stdout)
	}

	cli.AssertContains(t, stdout, "#1 locked [8x]")
	cli.AssertContains(t, stdout, "#2 locked ["+fsmutex.EntityFromString("orders", true).String()+"]")
}

func Test_Shell_Releases_Locks_When_Input_Ends(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "linux" {
		t.Skip("byte range locks of one process only conflict across handles on Linux")
	}

	c := cli.NewCLI(t)
	path := c.Path("lock")

	_, _, code := c.RunWithInput("lock 5\n", "shell", path)
	if code != 0 {
		t.Fatalf("shell exit code=%d, want 0", code)
	}

	m, err := fsmutex.OpenByteRanges(fsmutex.Options{Path: path})
	if err != nil {
		t.Fatalf("OpenByteRanges: %v", err)
	}

	defer func() { _ = m.Close() }()

	g, err := m.TryLock([]fsmutex.Entity{fsmutex.NewEntity(5, true)})
	if err != nil {
		t.Fatalf("TryLock after shell exited: %v", err)
	}

	g.Unlock()
}

func Test_Shell_Explains_When_Dump_Used_On_Other_Backend(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, _, code := c.RunWithInput("dump\ncompact\n", "shell", "--backend", "memory_map", c.Path("lock"))
	if code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}

	cli.AssertContains(t, stdout, "dump: memory_map has no log to show")
	cli.AssertContains(t, stdout, "compact: memory_map has no log to compact")
}

func Test_Shell_Fails_When_Backend_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("shell", "--backend", "nope", c.Path("lock"))

	cli.AssertContains(t, stderr, "unknown backend")
}
