package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	minArgs      = 2
	consumedOne  = 1
	consumedTwo  = 2
	consumedNone = 0
	helpFlag     = "--help"
)

// Run is the main entry point. Returns exit code.
//
// Signals received on sigCh cancel the command's context. sigCh may be nil.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) < minArgs {
		printUsage(out, nil)

		return 0
	}

	flags, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printGlobalFlags(errOut)

		return 1
	}

	if len(flags.remaining) == 0 || flags.remaining[0] == helpFlag {
		printUsage(out, nil)

		return 0
	}

	cfg, err := LoadConfig(flags.configPath, env)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	log := newLogger(errOut, flags.verbose)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				log.Debug("signal received, cancelling", zap.Stringer("signal", sig))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	commands := allCommands(cfg, flags, stdin, env, log)

	name := flags.remaining[0]

	var cmd *Command

	for _, c := range commands {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, commands)

		return 1
	}

	return cmd.Run(ctx, NewIO(out, errOut), flags.remaining[1:])
}

func allCommands(cfg Config, flags globalFlags, stdin io.Reader, env map[string]string, log *zap.Logger) []*Command {
	return []*Command{
		BenchCmd(cfg, flags, env, log),
		BenchChildCmd(cfg, log),
		ShellCmd(cfg, stdin, log),
		DumpCmd(cfg),
		CompactCmd(cfg, log),
		PrintConfigCmd(cfg),
	}
}

// newLogger returns a console logger on errOut. Only warnings and errors are
// shown unless verbose is set.
func newLogger(errOut io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(errOut)),
		level,
	)

	return zap.New(core)
}

type globalFlags struct {
	configPath string
	verbose    bool
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// parseFlag tries to parse a flag at args[idx]. Returns number of args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	// -c/--config flag
	if arg == "-c" || arg == "--config" {
		if idx+1 >= len(args) {
			return consumedNone, fmt.Errorf("%w: %s", ErrFlagRequiresArg, arg)
		}

		flags.configPath = args[idx+1]

		return consumedTwo, nil
	}

	if after, ok := strings.CutPrefix(arg, "--config="); ok {
		flags.configPath = after

		return consumedOne, nil
	}

	if arg == "-v" || arg == "--verbose" {
		flags.verbose = true

		return consumedOne, nil
	}

	// -h/--help flags
	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	// Unknown flag
	if strings.HasPrefix(arg, "-") && arg != "-" {
		return consumedNone, fmt.Errorf("%w: %s", ErrUnknownFlag, arg)
	}

	// Not a flag
	return consumedNone, nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printGlobalFlags(w io.Writer) {
	fprintln(w, `Global flags:
  -c, --config <file>   Use specified config file
  -v, --verbose         Log debug output to stderr
  -h, --help            Show help`)
}

func printUsage(w io.Writer, commands []*Command) {
	if commands == nil {
		commands = allCommands(DefaultConfig(), globalFlags{}, nil, nil, zap.NewNop())
	}

	fprintln(w, `fsmutex - filesystem-only multi-entity locks

Usage: fsmutex [global flags] <command> [args]`)
	fprintln(w)
	printGlobalFlags(w)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		if !c.Hidden {
			fprintln(w, c.HelpLine())
		}
	}

	fprintln(w)
	fprintln(w, "Backends:", strings.Join(BackendNames(), ", "))
}
