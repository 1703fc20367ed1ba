package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

// ErrNotAppendLog is returned by dump and compact for files without a valid
// append log header.
var ErrNotAppendLog = errors.New("not an append log")

// ErrPathRequired is returned by commands that take exactly one path.
var ErrPathRequired = errors.New("expected exactly one <path>")

// DumpCmd returns the dump command.
func DumpCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("dump", flag.ContinueOnError),
		Usage: "dump <path>",
		Short: "Show append log header and live records",
		Long: `Print the header and every unreleased record of the append log at <path>.

The log is read without joining it, so records being written concurrently may
show up as torn. Logs written with skip_hashing need it set in the config too.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrPathRequired
			}

			snap, err := fsmutex.InspectAppendLog(fs.NewReal(), args[0], cfg.SkipHashing)
			if err != nil {
				return err
			}

			if snap.Size < 128 {
				return fmt.Errorf("%w: %s is %d bytes", ErrNotAppendLog, args[0], snap.Size)
			}

			if !snap.HeaderValid {
				o.Warn("header hash mismatch in %s: header may be torn or the file is not an append log", args[0])
			}

			printSnapshot(o, snap)

			return nil
		},
	}
}

// CompactCmd returns the compact command.
func CompactCmd(cfg Config, log *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("compact", flag.ContinueOnError),
		Usage: "compact <path>",
		Short: "Garbage collect an append log",
		Long: `Join the append log at <path> and advance its first known good record past
released records, punching holes once enough storage is reclaimable.

If nobody else has the log open, joining resets it to an empty log.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrPathRequired
			}

			ok, err := fsmutex.IsAppendLog(fs.NewReal(), args[0], cfg.SkipHashing)
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("%w: %s", ErrNotAppendLog, args[0])
			}

			m, err := openBackend(cfg, BackendAppendLog, args[0], log)
			if err != nil {
				return err
			}

			defer func() { _ = m.Close() }()

			al, ok := m.(*fsmutex.AppendLog)
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotAppendLog, args[0])
			}

			hdr, err := al.Compact()
			if err != nil {
				return err
			}

			printHeader(o, hdr, true)

			return nil
		},
	}
}

func printHeader(o *IO, hdr fsmutex.LogHeader, valid bool) {
	state := "ok"
	if !valid {
		state = "torn"
	}

	o.Printf("header: %s generation=%d created=%s first_known_good=%d first_after_hole_punch=%d\n",
		state, hdr.Generation, hdr.Created().UTC().Format(time.RFC3339),
		hdr.FirstKnownGood, hdr.FirstAfterHolePunch)
}

func printSnapshot(o *IO, snap *fsmutex.LogSnapshot) {
	o.Printf("size: %d\n", snap.Size)
	printHeader(o, snap.Header, snap.HeaderValid)
	o.Printf("records: %d\n", len(snap.Records))

	for _, r := range snap.Records {
		at := time.Duration(r.Micros) * time.Microsecond

		o.Printf("  @%d %-8s id=%d t=+%s entities=%s\n", r.Offset, r.Code, r.UniqueID, at, formatEntities(r.Entities))
	}

	for _, off := range snap.Torn {
		o.Printf("  @%d torn\n", off)
	}
}
