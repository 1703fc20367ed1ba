package fsmutex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

// LogSnapshot is a point-in-time view of an append log, for diagnostics.
type LogSnapshot struct {
	Header      LogHeader
	HeaderValid bool
	Size        int64

	// Records holds every unreleased record from first_known_good on.
	Records []LogRecord

	// Torn lists offsets whose records failed their hash check.
	Torn []uint64
}

// InspectAppendLog reads the log at path without joining it. Records may
// be torn if other users are writing. skipHash must match the
// [Options.SkipHashing] the log was written with; logs written without
// hashes otherwise read as entirely torn.
func InspectAppendLog(fsys fs.FS, path string, skipHash bool) (*LogSnapshot, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open append log: %w", err)
	}
	defer f.Close()

	return inspectLog(f, skipHash)
}

// Inspect returns a snapshot of the log this instance uses.
func (a *AppendLog) Inspect() (*LogSnapshot, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	return inspectLog(a.rw, a.skipHash)
}

// collect advances first_known_good over released records and punches
// holes below it. It only looks at records that existed when it started.
func (a *AppendLog) collect() (LogHeader, error) {
	hdr, err := a.readHeader(DeadlineAfter(time.Second))
	if err != nil {
		return LogHeader{}, err
	}

	info, err := a.rw.Stat()
	if err != nil {
		return LogHeader{}, fmt.Errorf("stat append log: %w", err)
	}

	end := uint64(info.Size()) / logRecordSize * logRecordSize
	fkg := max(hdr.FirstKnownGood, logHeaderSize)
	batch := make([]byte, logScanBatch)

scan:
	for fkg < end {
		buf := batch[:min(uint64(len(batch)), end-fkg)]

		n, err := a.rw.ReadAt(buf, int64(fkg))
		if err != nil && !errors.Is(err, io.EOF) {
			return LogHeader{}, fmt.Errorf("read append log: %w", err)
		}

		for i := 0; i+logRecordSize <= n; i += logRecordSize {
			if !isReleased(buf[i:]) {
				break scan
			}

			fkg += logRecordSize
		}

		if n < len(buf) {
			break
		}
	}

	fah := max(hdr.FirstAfterHolePunch, logHeaderSize)

	if fkg > fah && fkg-fah >= logHolePunchAlign {
		punchEnd := fkg &^ (logHolePunchAlign - 1)
		if punchEnd > fah {
			err = fs.PunchHole(a.rw, int64(fah), int64(punchEnd-fah))

			switch {
			case err == nil:
				fah = punchEnd
			case errors.Is(err, fs.ErrUnsupported):
				a.log.Debug("hole punching unsupported", zap.Error(err))

				fah = punchEnd
			default:
				a.log.Warn("punch hole", zap.Uint64("from", fah), zap.Uint64("to", punchEnd), zap.Error(err))
			}
		}
	}

	if fkg == hdr.FirstKnownGood && fah == hdr.FirstAfterHolePunch {
		return hdr, nil
	}

	hdr.Generation++
	hdr.FirstKnownGood = fkg
	hdr.FirstAfterHolePunch = fah

	_, err = a.rw.WriteAt(encodeHeader(hdr, a.skipHash)[:logMutablePrefix], 0)
	if err != nil {
		return LogHeader{}, fmt.Errorf("write append log header: %w", err)
	}

	a.log.Debug("collected append log",
		zap.Uint64("generation", hdr.Generation),
		zap.Uint64("first_known_good", fkg),
		zap.Uint64("first_after_hole_punch", fah))

	return hdr, nil
}

func inspectLog(f fs.File, skipHash bool) (*LogSnapshot, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat append log: %w", err)
	}

	snap := &LogSnapshot{Size: info.Size()}

	head := make([]byte, logHeaderSize)

	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read append log header: %w", err)
	}

	if n < logHeaderSize {
		return snap, nil
	}

	snap.Header, snap.HeaderValid = decodeHeader(head, skipHash)

	from := uint64(logHeaderSize)
	if snap.HeaderValid {
		from = max(snap.Header.FirstKnownGood, logHeaderSize)
	}

	end := uint64(snap.Size) / logRecordSize * logRecordSize
	batch := make([]byte, logScanBatch)

	for off := from; off < end; {
		buf := batch[:min(uint64(len(batch)), end-off)]

		n, err := f.ReadAt(buf, int64(off))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read append log: %w", err)
		}

		for i := 0; i+logRecordSize <= n; i += logRecordSize {
			raw := buf[i : i+logRecordSize]
			if isReleased(raw) {
				continue
			}

			rec, ok := decodeRecord(raw, off+uint64(i), skipHash)
			if !ok {
				snap.Torn = append(snap.Torn, off+uint64(i))

				continue
			}

			snap.Records = append(snap.Records, rec)
		}

		if n < len(buf) {
			break
		}

		off += uint64(n)
	}

	return snap, nil
}

// IsAppendLog reports whether the file at path starts with a valid append
// log header.
func IsAppendLog(fsys fs.FS, path string, skipHash bool) (bool, error) {
	snap, err := InspectAppendLog(fsys, path, skipHash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	return snap.HeaderValid, nil
}
