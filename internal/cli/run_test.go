package cli_test

import (
	"bytes"
	"testing"

	"github.com/calvinalkan/fsmutex/internal/cli"
)

func Test_Bare_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"fsmutex"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "fsmutex - filesystem-only multi-entity locks")
	cli.AssertContains(t, stdout.String(), "--config")
	cli.AssertContains(t, stdout.String(), "bench [flags] <dir>")
	cli.AssertContains(t, stdout.String(), "shell [--backend b] <path>")
	cli.AssertContains(t, stdout.String(), "append_log")
	cli.AssertNotContains(t, stdout.String(), "bench-child")
}

func Test_Help_Flag_Prints_Usage_When_Given_Before_Command(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("--help", "dump")

	cli.AssertContains(t, stdout, "Usage: fsmutex [global flags] <command> [args]")
}

func Test_Invalid_Global_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "dump")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")
	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--verbose")
}

func Test_Config_Flag_Requires_Argument_When_Last(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--config")

	cli.AssertContains(t, stderr, "flag requires an argument")
}

func Test_Unknown_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("frobnicate")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Command_Help_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("bench", "--help")

	cli.AssertContains(t, stdout, "Usage: fsmutex bench [flags] <dir>")
	cli.AssertContains(t, stdout, "--waiters")
	cli.AssertContains(t, stdout, "--in-process")
}

func Test_Command_Prints_Help_When_Flag_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("dump", "--nope", c.Path("log"))

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag: --nope")
	cli.AssertContains(t, stdout, "Usage: fsmutex dump <path>")
}

func Test_Command_Fails_When_Path_Missing(t *testing.T) {
	t.Parallel()

	for _, cmd := range []string{"shell", "dump", "compact"} {
		t.Run(cmd, func(t *testing.T) {
			t.Parallel()

			c := cli.NewCLI(t)
			stderr := c.MustFail(cmd)

			cli.AssertContains(t, stderr, "expected exactly one <path>")
		})
	}
}
