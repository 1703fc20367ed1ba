package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	natomic "github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

// Bench errors.
var (
	ErrExclusionBroken = errors.New("mutual exclusion broken: two holders inside the same entity")
	ErrBenchArgs       = errors.New("invalid bench arguments")
)

const (
	canaryName  = "canary"
	canarySlots = 1024
	canarySize  = 4 * canarySlots

	csvHeader = "backend,entities,waiters,contended,duration_sec,total_ops,ops_per_sec\n"
)

// benchParams describe one benchmark run. Children receive them as flags.
type benchParams struct {
	backend     string
	entities    int
	waiters     int
	duration    time.Duration
	uncontended bool
}

func (p benchParams) validate() error {
	if !slices.Contains(BackendNames(), p.backend) {
		return fmt.Errorf("%w %q (want one of %v)", ErrUnknownBackend, p.backend, BackendNames())
	}

	if p.entities < 1 || p.waiters < 1 {
		return fmt.Errorf("%w: --entities and --waiters must be at least 1", ErrBenchArgs)
	}

	if limit := maxEntities(p.backend); limit > 0 && p.entities > limit {
		return fmt.Errorf("%w: %s locks at most %d entities at once", ErrBenchArgs, p.backend, limit)
	}

	if p.entities*p.waiters >= canarySlots {
		return fmt.Errorf("%w: entities*waiters must be below %d", ErrBenchArgs, canarySlots)
	}

	if p.duration <= 0 {
		return fmt.Errorf("%w: --duration must be positive", ErrBenchArgs)
	}

	return nil
}

// lockPath returns where backend keeps its lock state inside dir.
func lockPath(dir, backend string) string {
	if backend == BackendLockFiles {
		return filepath.Join(dir, "locks")
	}

	return filepath.Join(dir, "lock")
}

// workerEntities returns what waiter index locks. Contended waiters all lock
// the same set; uncontended ones get disjoint sets.
func workerEntities(p benchParams, index int) []fsmutex.Entity {
	base := 0
	if p.uncontended {
		base = index * p.entities
	}

	out := make([]fsmutex.Entity, p.entities)
	for i := range out {
		out[i] = fsmutex.NewEntity(uint64(base+i+1), true)
	}

	return out
}

// BenchCmd returns the bench command.
func BenchCmd(cfg Config, global globalFlags, env map[string]string, log *zap.Logger) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)

	var p benchParams

	flags.StringVarP(&p.backend, "backend", "b", cfg.Backend, "lock backend")
	flags.IntVarP(&p.entities, "entities", "n", 1, "entities locked per attempt")
	flags.IntVarP(&p.waiters, "waiters", "w", 2, "concurrent waiters")
	flags.DurationVarP(&p.duration, "duration", "d", 2*time.Second, "how long each waiter runs")
	flags.BoolVar(&p.uncontended, "uncontended", false, "give each waiter its own entities")
	csvPath := flags.String("csv", "", "append a result row to this CSV file")
	inProcess := flags.Bool("in-process", false, "run waiters as goroutines instead of child processes")

	return &Command{
		Flags: flags,
		Usage: "bench [flags] <dir>",
		Short: "Measure lock throughput",
		Long: `Measure lock/unlock throughput of a backend.

Each waiter loops locking its entities, checking a shared-memory canary that
detects two holders inside the same entity, and unlocking. Waiters are child
processes unless --in-process is given. State is kept inside <dir>.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one <dir>", ErrBenchArgs)
			}

			err := p.validate()
			if err != nil {
				return err
			}

			b := bench{cfg: cfg, global: global, env: env, log: log, params: p, dir: args[0]}

			return b.run(ctx, o, *csvPath, *inProcess)
		},
	}
}

type bench struct {
	cfg    Config
	global globalFlags
	env    map[string]string
	log    *zap.Logger
	params benchParams
	dir    string
}

func (b *bench) run(ctx context.Context, o *IO, csvPath string, inProcess bool) error {
	err := os.MkdirAll(b.dir, 0o755)
	if err != nil {
		return fmt.Errorf("create bench dir: %w", err)
	}

	err = resetCanary(filepath.Join(b.dir, canaryName))
	if err != nil {
		return err
	}

	if b.params.backend == BackendAppendLog {
		// A previous run may have left a log behind; start from an empty one.
		_ = os.Remove(lockPath(b.dir, b.params.backend))
	}

	var counts []uint64

	if inProcess {
		counts, err = b.runGoroutines(ctx)
	} else {
		counts, err = b.runChildren(ctx)
	}

	if err != nil {
		return err
	}

	secs := b.params.duration.Seconds()

	var total uint64

	for i, n := range counts {
		total += n
		o.Printf("waiter %d: %d ops (%.1f ops/sec)\n", i, n, float64(n)/secs)
	}

	rate := float64(total) / secs

	o.Printf("total: %d ops (%.1f ops/sec) backend=%s entities=%d waiters=%d contended=%t\n",
		total, rate, b.params.backend, b.params.entities, b.params.waiters, !b.params.uncontended)

	if csvPath != "" {
		err = appendCSV(csvPath, b.params, total, rate)
		if err != nil {
			return err
		}
	}

	if total == 0 {
		o.Warn("no lock was acquired in %s", b.params.duration)
	}

	return nil
}

func (b *bench) runGoroutines(ctx context.Context) ([]uint64, error) {
	counts := make([]uint64, b.params.waiters)
	errs := make([]error, b.params.waiters)

	var wg sync.WaitGroup

	for i := range b.params.waiters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			counts[i], errs[i] = runWaiter(ctx, b.cfg, b.params, b.dir, i, b.log)
		}()
	}

	wg.Wait()

	return counts, errors.Join(errs...)
}

func (b *bench) runChildren(ctx context.Context) ([]uint64, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}

	env := make([]string, 0, len(b.env))
	for k, v := range b.env {
		env = append(env, k+"="+v)
	}

	type child struct {
		cmd *exec.Cmd
		out bytes.Buffer
		err bytes.Buffer
	}

	children := make([]*child, b.params.waiters)

	for i := range children {
		args := []string{}
		if b.global.configPath != "" {
			args = append(args, "--config", b.global.configPath)
		}

		args = append(args, "bench-child",
			"--backend", b.params.backend,
			"--entities", strconv.Itoa(b.params.entities),
			"--index", strconv.Itoa(i),
			"--duration", b.params.duration.String(),
		)
		if b.params.uncontended {
			args = append(args, "--uncontended")
		}

		args = append(args, b.dir)

		c := &child{cmd: exec.CommandContext(ctx, self, args...)}
		c.cmd.Env = env
		c.cmd.Stdout = &c.out
		c.cmd.Stderr = &c.err

		err = c.cmd.Start()
		if err != nil {
			for _, started := range children[:i] {
				_ = started.cmd.Process.Kill()
				_ = started.cmd.Wait()
			}

			return nil, fmt.Errorf("start waiter %d: %w", i, err)
		}

		children[i] = c
	}

	counts := make([]uint64, len(children))

	var errs []error

	for i, c := range children {
		waitErr := c.cmd.Wait()
		if waitErr != nil {
			errs = append(errs, fmt.Errorf("waiter %d: %w: %s", i, waitErr, strings.TrimSpace(c.err.String())))

			continue
		}

		n, parseErr := parseChildOps(c.out.String())
		if parseErr != nil {
			errs = append(errs, fmt.Errorf("waiter %d: %w", i, parseErr))

			continue
		}

		counts[i] = n
	}

	return counts, errors.Join(errs...)
}

func parseChildOps(out string) (uint64, error) {
	for line := range strings.Lines(out) {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "ops="); ok {
			return strconv.ParseUint(v, 10, 64)
		}
	}

	return 0, fmt.Errorf("no ops= line in child output %q", out)
}

// BenchChildCmd returns the hidden command bench runs in each child process.
func BenchChildCmd(cfg Config, log *zap.Logger) *Command {
	flags := flag.NewFlagSet("bench-child", flag.ContinueOnError)

	var p benchParams

	flags.StringVar(&p.backend, "backend", cfg.Backend, "lock backend")
	flags.IntVar(&p.entities, "entities", 1, "entities locked per attempt")
	flags.DurationVar(&p.duration, "duration", 2*time.Second, "how long to run")
	flags.BoolVar(&p.uncontended, "uncontended", false, "lock this waiter's own entities")
	index := flags.Int("index", 0, "waiter index")

	return &Command{
		Flags:  flags,
		Usage:  "bench-child [flags] <dir>",
		Short:  "Run one bench waiter",
		Hidden: true,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one <dir>", ErrBenchArgs)
			}

			p.waiters = *index + 1

			err := p.validate()
			if err != nil {
				return err
			}

			n, err := runWaiter(ctx, cfg, p, args[0], *index, log)
			if err != nil {
				return err
			}

			o.Printf("ops=%d\n", n)

			return nil
		},
	}
}

// runWaiter opens its own backend instance and loops lock/unlock until
// p.duration has passed. It returns the number of completed cycles.
func runWaiter(ctx context.Context, cfg Config, p benchParams, dir string, index int, log *zap.Logger) (uint64, error) {
	log = log.With(zap.Int("waiter", index))

	canary, closeCanary, err := openCanary(filepath.Join(dir, canaryName))
	if err != nil {
		return 0, err
	}
	defer closeCanary()

	m, err := openBackend(cfg, p.backend, lockPath(dir, p.backend), log)
	if err != nil {
		return 0, err
	}
	defer func() { _ = m.Close() }()

	entities := workerEntities(p, index)
	until := time.Now().Add(p.duration)

	var ops uint64

	for ctx.Err() == nil && time.Now().Before(until) {
		g, err := m.Lock(entities, fsmutex.DeadlineAt(until), false)
		if errors.Is(err, fsmutex.ErrTimedOut) {
			break
		}

		if err != nil {
			return ops, fmt.Errorf("lock %v: %w", entities, err)
		}

		err = enterCanary(canary, entities)

		g.Unlock()

		if err != nil {
			return ops, err
		}

		ops++
	}

	log.Debug("waiter done", zap.Uint64("ops", ops))

	return ops, nil
}

// enterCanary bumps each entity's canary word, checking nobody else is
// inside, then drops it again. Must be called with the entities held.
func enterCanary(canary []byte, entities []fsmutex.Entity) error {
	var err error

	for i, e := range entities {
		if atomic.AddUint32(canaryWord(canary, e), 1) != 1 {
			err = fmt.Errorf("%w: entity %s", ErrExclusionBroken, e)

			for _, prev := range entities[:i+1] {
				atomic.AddUint32(canaryWord(canary, prev), ^uint32(0))
			}

			return err
		}
	}

	for _, e := range entities {
		atomic.AddUint32(canaryWord(canary, e), ^uint32(0))
	}

	return nil
}

func canaryWord(canary []byte, e fsmutex.Entity) *uint32 {
	return (*uint32)(unsafe.Pointer(&canary[4*(e.Value%canarySlots)]))
}

func resetCanary(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create canary: %w", err)
	}
	defer f.Close()

	err = f.Truncate(0)
	if err == nil {
		err = f.Truncate(canarySize)
	}

	if err != nil {
		return fmt.Errorf("reset canary: %w", err)
	}

	return nil
}

func openCanary(path string) ([]byte, func(), error) {
	f, err := fs.NewReal().OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open canary: %w", err)
	}

	data, err := fs.Map(f, canarySize)
	if err != nil {
		_ = f.Close()

		return nil, nil, err
	}

	return data, func() {
		_ = fs.Unmap(data)
		_ = f.Close()
	}, nil
}

// appendCSV adds a result row to path, writing the header first if the file
// is new. The file is replaced atomically.
func appendCSV(path string, p benchParams, total uint64, rate float64) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read csv: %w", err)
	}

	var buf bytes.Buffer

	if len(existing) == 0 {
		buf.WriteString(csvHeader)
	} else {
		buf.Write(existing)
	}

	fmt.Fprintf(&buf, "%s,%d,%d,%t,%.3f,%d,%.1f\n",
		p.backend, p.entities, p.waiters, !p.uncontended, p.duration.Seconds(), total, rate)

	err = natomic.WriteFile(path, &buf)
	if err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	return nil
}
