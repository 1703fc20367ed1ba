package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

const shellHelp = `Commands:
  lock [-t dur] <entity>...      Lock entities exclusively, waiting up to dur (default forever)
  rlock [-t dur] <entity>...     Lock entities shared
  trylock <entity>...            Lock entities exclusively without waiting
  unlock <#n|all>                Release a held lock
  held                           List held locks
  dump                           Show append log records (append_log only)
  compact                        Garbage collect the append log (append_log only)
  help                           Show this help
  exit / quit / q                Release everything and exit

Entities are decimal numbers below 2^63 or any other word, which is hashed.`

// lineReader is what the shell needs from liner.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// scanReader feeds the shell from a non-terminal reader such as a pipe.
type scanReader struct {
	sc *bufio.Scanner
}

func (r scanReader) Prompt(string) (string, error) {
	if !r.sc.Scan() {
		err := r.sc.Err()
		if err == nil {
			err = io.EOF
		}

		return "", err
	}

	return r.sc.Text(), nil
}

func (scanReader) AppendHistory(string) {}

// ShellCmd returns the shell command.
func ShellCmd(cfg Config, stdin io.Reader, log *zap.Logger) *Command {
	flags := flag.NewFlagSet("shell", flag.ContinueOnError)
	backend := flags.StringP("backend", "b", cfg.Backend, "lock backend")

	return &Command{
		Flags: flags,
		Usage: "shell [--backend b] <path>",
		Short: "Lock and unlock entities interactively",
		Long: `Open <path> with a lock backend and read commands from stdin.

Run two shells on the same path to watch them contend. Every lock still held
is released on exit.

` + shellHelp,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrPathRequired
			}

			m, err := openBackend(cfg, *backend, args[0], log)
			if err != nil {
				return err
			}

			sh := &shell{o: o, m: m, backend: *backend, historyFile: cfg.HistoryFile}
			defer sh.close()

			return sh.run(ctx, stdin)
		},
	}
}

type heldLock struct {
	id    int
	guard *fsmutex.Guard
}

type shell struct {
	o           *IO
	m           fsmutex.Mutex
	backend     string
	historyFile string
	held        []heldLock
	nextID      int
}

func (sh *shell) run(ctx context.Context, stdin io.Reader) error {
	var in lineReader

	if f, ok := stdin.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		l := liner.NewLiner()
		defer l.Close()

		l.SetCtrlCAborts(true)
		l.SetCompleter(shellCompleter)

		if hf, err := os.Open(sh.historyFile); err == nil {
			_, _ = l.ReadHistory(hf)
			_ = hf.Close()
		}

		defer sh.saveHistory(l)

		in = l

		sh.o.Printf("fsmutex shell (%s). Type 'help' for commands.\n", sh.backend)
	} else {
		in = scanReader{sc: bufio.NewScanner(stdin)}
	}

	for ctx.Err() == nil {
		line, err := in.Prompt("fsmutex> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		in.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			sh.o.Println(shellHelp)
		case "lock":
			sh.cmdLock(args, true, false)
		case "rlock":
			sh.cmdLock(args, false, false)
		case "trylock":
			sh.cmdLock(args, true, true)
		case "unlock":
			sh.cmdUnlock(args)
		case "held":
			sh.cmdHeld()
		case "dump":
			sh.cmdDump()
		case "compact":
			sh.cmdCompact()
		default:
			sh.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	return nil
}

func (sh *shell) cmdLock(args []string, exclusive, try bool) {
	d := fsmutex.Infinite()
	if try {
		d = fsmutex.Immediately()
	}

	if len(args) >= 2 && args[0] == "-t" {
		timeout, err := time.ParseDuration(args[1])
		if err != nil {
			sh.o.Printf("bad timeout %q: %v\n", args[1], err)

			return
		}

		d = fsmutex.DeadlineAfter(timeout)
		args = args[2:]
	}

	if len(args) == 0 {
		sh.o.Println("usage: lock [-t dur] <entity>...")

		return
	}

	entities := make([]fsmutex.Entity, len(args))
	for i, a := range args {
		entities[i] = parseEntity(a, exclusive)
	}

	start := time.Now()

	g, err := sh.m.Lock(entities, d, false)
	if err != nil {
		sh.o.Printf("lock failed after %s: %v\n", time.Since(start).Round(time.Millisecond), err)

		return
	}

	sh.nextID++
	sh.held = append(sh.held, heldLock{id: sh.nextID, guard: g})

	sh.o.Printf("#%d locked %s\n", sh.nextID, formatEntities(entities))
}

func (sh *shell) cmdUnlock(args []string) {
	if len(args) != 1 {
		sh.o.Println("usage: unlock <#n|all>")

		return
	}

	if args[0] == "all" {
		n := len(sh.held)
		sh.releaseAll()
		sh.o.Printf("released %d\n", n)

		return
	}

	id, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
	if err != nil {
		sh.o.Printf("bad lock id %q\n", args[0])

		return
	}

	i := slices.IndexFunc(sh.held, func(h heldLock) bool { return h.id == id })
	if i < 0 {
		sh.o.Printf("no held lock #%d\n", id)

		return
	}

	sh.held[i].guard.Unlock()
	sh.held = slices.Delete(sh.held, i, i+1)

	sh.o.Printf("#%d released\n", id)
}

func (sh *shell) cmdHeld() {
	if len(sh.held) == 0 {
		sh.o.Println("nothing held")

		return
	}

	for _, h := range sh.held {
		sh.o.Printf("#%d %s hint=%d\n", h.id, formatEntities(h.guard.Entities()), h.guard.Hint())
	}
}

func (sh *shell) cmdDump() {
	al, ok := sh.m.(*fsmutex.AppendLog)
	if !ok {
		sh.o.Printf("dump: %s has no log to show\n", sh.backend)

		return
	}

	snap, err := al.Inspect()
	if err != nil {
		sh.o.Println("dump failed:", err)

		return
	}

	printSnapshot(sh.o, snap)
}

func (sh *shell) cmdCompact() {
	al, ok := sh.m.(*fsmutex.AppendLog)
	if !ok {
		sh.o.Printf("compact: %s has no log to compact\n", sh.backend)

		return
	}

	hdr, err := al.Compact()
	if err != nil {
		sh.o.Println("compact failed:", err)

		return
	}

	printHeader(sh.o, hdr, true)
}

func (sh *shell) releaseAll() {
	for _, h := range sh.held {
		h.guard.Unlock()
	}

	sh.held = nil
}

func (sh *shell) close() {
	sh.releaseAll()

	err := sh.m.Close()
	if err != nil {
		sh.o.Warn("closing %s: %v", sh.backend, err)
	}
}

// saveHistory persists command history to disk.
func (sh *shell) saveHistory(l *liner.State) {
	if sh.historyFile == "" {
		return
	}

	var buf bytes.Buffer

	_, err := l.WriteHistory(&buf)
	if err == nil {
		err = natomic.WriteFile(sh.historyFile, &buf)
	}

	if err != nil {
		sh.o.Warn("saving shell history: %v", err)
	}
}

func shellCompleter(line string) []string {
	var out []string

	for _, c := range []string{"lock", "rlock", "trylock", "unlock", "held", "dump", "compact", "help", "exit"} {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}

	return out
}

// parseEntity reads a decimal value below 2^63 as itself and hashes any other
// word.
func parseEntity(s string, exclusive bool) fsmutex.Entity {
	v, err := strconv.ParseUint(s, 10, 63)
	if err == nil {
		return fsmutex.NewEntity(v, exclusive)
	}

	return fsmutex.EntityFromString(s, exclusive)
}

func formatEntities(entities []fsmutex.Entity) string {
	parts := make([]string, len(entities))
	for i, e := range entities {
		parts[i] = e.String()
	}

	return "[" + strings.Join(parts, " ") + "]"
}
