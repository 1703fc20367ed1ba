package fsmutex

import (
	"errors"
	"fmt"
	"io"
)

// scanResult is what one backward scan of the log found for a claim.
type scanResult struct {
	header LogHeader

	// preceding is set when an earlier live claim conflicts; blocker is its
	// key.
	preceding bool
	blocker   uint64

	// torn is set when a record failed its hash check; the scan stopped
	// there and must be repeated.
	torn   bool
	tornAt uint64

	// staleFloor is the end of the stale record the scan stopped at, or 0 if
	// it reached first_known_good. Nothing below it is live.
	staleFloor uint64

	// reclaim lists offsets below the claim that belong to canceled claims.
	reclaim []uint64
}

// discover scans backwards from the end of the log looking for a live claim
// that precedes mine and conflicts with entities. Records of mine itself
// are skipped.
//
// The scan stops at the first record older than StaleAfter. Live claims
// append a nominate record every HeartbeatInterval, so the newest record of
// every live claim sits above the first stale one.
func (a *AppendLog) discover(entities []Entity, mine uint64, d Deadline) (scanResult, error) {
	hdr, err := a.readHeader(d)
	if err != nil {
		return scanResult{}, err
	}

	info, err := a.rw.Stat()
	if err != nil {
		return scanResult{}, fmt.Errorf("stat append log: %w", err)
	}

	res := scanResult{header: hdr}

	end := uint64(info.Size()) / logRecordSize * logRecordSize
	floor := max(hdr.FirstKnownGood, logHeaderSize)
	now := a.nowMicros()
	staleAfter := uint64(a.staleAfter.Microseconds())

	canceled := make(map[uint64]bool)
	batch := make([]byte, logScanBatch)

	for hi := end; hi > floor; {
		lo := floor
		if hi-floor > logScanBatch {
			lo = hi - logScanBatch
		}

		buf := batch[:hi-lo]

		n, err := a.rw.ReadAt(buf, int64(lo))
		if err != nil && !errors.Is(err, io.EOF) {
			return scanResult{}, fmt.Errorf("read append log: %w", err)
		}

		if n < len(buf) {
			return scanResult{}, fmt.Errorf("read append log: short read at %d", lo)
		}

		for off := hi; off > lo; {
			off -= logRecordSize

			raw := buf[off-lo : off-lo+logRecordSize]
			if isReleased(raw) {
				continue
			}

			rec, ok := decodeRecord(raw, off, a.skipHash)
			if !ok {
				return scanResult{header: hdr, torn: true, tornAt: off}, nil
			}

			claim := rec.claim()
			if claim == mine {
				continue
			}

			if rec.Micros < now && now-rec.Micros > staleAfter {
				res.staleFloor = off + logRecordSize

				return res, nil
			}

			switch rec.Code {
			case CodeUnlock, CodeRescind:
				canceled[claim] = true

				if off < mine {
					res.reclaim = append(res.reclaim, off)
				}
			case CodeInterest, CodeHaveLock, CodeNominate:
				if canceled[claim] {
					if off < mine {
						res.reclaim = append(res.reclaim, off)
					}

					continue
				}

				if claim < mine && anyConflict(rec.Entities, entities) {
					res.preceding = true
					res.blocker = claim

					return res, nil
				}
			}
		}

		hi = lo
	}

	return res, nil
}
