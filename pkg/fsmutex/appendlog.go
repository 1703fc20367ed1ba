package fsmutex

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

// AppendLog locks entities using nothing but appends to a shared log file.
//
// Every attempt appends an interest record; the offset it lands at orders
// it against every other attempt. An attempt owns its entities once no
// earlier, unreleased, conflicting claim remains in the log, and announces
// that with a havelock record. Waiters and holders append nominate records
// every [Options.HeartbeatInterval]; scans stop at the first record older
// than [Options.StaleAfter], so a crashed holder blocks others for at most
// that long. Releasing appends an unlock record and zeroes the interest.
//
// Records carry a 128-bit hash; a record read while still being written
// fails the check and the scan starts over.
//
// Locking does not need byte-range locks, so it works where they are
// broken. Byte-range locks are only used to detect the first user, which
// resets the log, and, with [Options.NFSCompatibility], to serialize
// appends. Staleness compares wall clocks: machines sharing a log must keep
// their clocks close. Claims carry a random 64-bit id whose uniqueness is
// assumed, not checked.
//
// At most 12 entities can be locked per attempt.
type AppendLog struct {
	path       string
	fs         fs.FS
	rw         fs.File
	app        fs.File
	locker     *fs.RangeLocker
	log        *zap.Logger
	nfs        bool
	skipHash   bool
	staleAfter time.Duration
	beatEvery  time.Duration
	timeOffset uint64
	token      uint64
	seq        atomic.Uint64
	now        func() time.Time

	mu         sync.Mutex
	heartbeats map[uint64]*heartbeat

	closed atomic.Bool
}

var _ Mutex = (*AppendLog)(nil)

// heartbeat appends nominate records for a held claim until stopped.
type heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

// OpenAppendLog opens the log at opts.Path. The first user on the file
// (nobody else has it open) truncates it and writes a fresh header.
func OpenAppendLog(opts Options) (*AppendLog, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	rw, err := opts.FS.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open append log: %w", err)
	}

	app, err := opts.FS.OpenFile(opts.Path, os.O_WRONLY|os.O_APPEND, lockFilePerm)
	if err != nil {
		_ = rw.Close()

		return nil, fmt.Errorf("open append log for appending: %w", err)
	}

	a := &AppendLog{
		path:       opts.Path,
		fs:         opts.FS,
		rw:         rw,
		app:        app,
		locker:     fs.DefaultRangeLocker,
		log:        opts.Logger.With(zap.String("backend", "append_log"), zap.String("path", opts.Path)),
		nfs:        opts.NFSCompatibility,
		skipHash:   opts.SkipHashing,
		staleAfter: opts.StaleAfter,
		beatEvery:  opts.HeartbeatInterval,
		token:      randomToken(),
		now:        time.Now,
		heartbeats: make(map[uint64]*heartbeat),
	}

	err = a.join()
	if err != nil {
		_ = app.Close()
		_ = rw.Close()

		return nil, err
	}

	return a, nil
}

// join registers this instance as a user of the log: a shared lock on the
// last header byte, held until Close.
func (a *AppendLog) join() error {
	err := a.locker.TryLock(a.rw, 0, logHeaderSize, fs.ExclusiveLock)

	switch {
	case err == nil:
		err = a.initialise()
		if err == nil {
			err = a.locker.TryLock(a.rw, logHeaderSize-1, 1, fs.SharedLock)
		}

		if err != nil {
			_ = a.locker.Unlock(a.rw, 0, logHeaderSize)

			return err
		}

		err = a.locker.Unlock(a.rw, 0, logHeaderSize-1)
		if err != nil {
			a.log.Warn("release header probe", zap.Error(err))
		}
	case errors.Is(err, fs.ErrWouldBlock):
		// Blocks until a concurrent first user has written the header.
		err = a.locker.Lock(a.rw, logHeaderSize-1, 1, fs.SharedLock)
		if err != nil {
			return fmt.Errorf("join append log: %w", err)
		}
	default:
		return fmt.Errorf("probe append log: %w", err)
	}

	hdr, err := a.readHeader(DeadlineAfter(time.Second))
	if err != nil {
		return err
	}

	a.timeOffset = hdr.TimeOffset

	return nil
}

func (a *AppendLog) initialise() error {
	err := a.rw.Truncate(logHeaderSize)
	if err != nil {
		return fmt.Errorf("reset append log: %w", err)
	}

	hdr := LogHeader{
		TimeOffset:          uint64(a.now().Unix()),
		FirstKnownGood:      logHeaderSize,
		FirstAfterHolePunch: logHeaderSize,
	}

	_, err = a.rw.WriteAt(encodeHeader(hdr, a.skipHash), 0)
	if err != nil {
		return fmt.Errorf("write append log header: %w", err)
	}

	a.log.Debug("initialised append log")

	return nil
}

// Lock implements [Mutex]. The guard's hint is the offset of the interest
// record.
func (a *AppendLog) Lock(entities []Entity, d Deadline, spinNotSleep bool) (*Guard, error) {
	if len(entities) > logMaxEntities {
		return nil, fmt.Errorf("%w: %d entities, at most %d", ErrArgumentListTooLong, len(entities), logMaxEntities)
	}

	if a.closed.Load() {
		return nil, ErrClosed
	}

	local := slices.Clone(entities)

	mine, err := a.registerInterest(local)
	if err != nil {
		return nil, err
	}

	err = a.contend(local, mine, d, spinNotSleep)
	if err != nil {
		a.withdraw(local, mine)

		return nil, err
	}

	a.startHeartbeat(local, mine)

	return newGuard(a, local, mine), nil
}

// TryLock implements [Mutex].
func (a *AppendLog) TryLock(entities []Entity) (*Guard, error) {
	return a.Lock(entities, Immediately(), false)
}

// Unlock implements [Mutex]. hint must be the guard's hint; without it
// nothing can be released. After Close the claim is left to go stale.
func (a *AppendLog) Unlock(entities []Entity, hint uint64) {
	if a.closed.Load() {
		a.log.Warn("unlock after close", zap.Uint64("hint", hint))

		return
	}

	a.stopHeartbeat(hint)

	if hint == 0 {
		a.log.Warn("unlock without a hint, assuming a failed lock")

		return
	}

	err := a.appendMessage(CodeUnlock, hint, entities)
	if err != nil {
		a.log.Error("append unlock record", zap.Uint64("hint", hint), zap.Error(err))
	}

	err = a.zeroRecord(hint)
	if err != nil {
		a.log.Error("release lock request", zap.Uint64("hint", hint), zap.Error(err))
	}

	if hint%logGCAlign == 0 {
		_, err = a.collect()
		if err != nil {
			a.log.Warn("collect append log", zap.Error(err))
		}
	}
}

// Compact advances first_known_good past released records, punches holes
// once at least 1 MiB is reclaimable, and rewrites the header if anything
// moved. Unlock does this on its own every 32 records or so.
func (a *AppendLog) Compact() (LogHeader, error) {
	if a.closed.Load() {
		return LogHeader{}, ErrClosed
	}

	return a.collect()
}

// Header returns the current header.
func (a *AppendLog) Header() (LogHeader, error) {
	return a.readHeader(DeadlineAfter(time.Second))
}

// Close stops heartbeats and closes the log. Locks still held through this
// instance stay in the log until they go stale.
func (a *AppendLog) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	a.mu.Lock()
	beats := a.heartbeats
	a.heartbeats = make(map[uint64]*heartbeat)
	a.mu.Unlock()

	for _, hb := range beats {
		close(hb.stop)
		<-hb.done
	}

	return errors.Join(a.app.Close(), a.rw.Close())
}

// registerInterest appends an interest record and returns its offset.
func (a *AppendLog) registerInterest(entities []Entity) (uint64, error) {
	rec := LogRecord{
		Code:     CodeInterest,
		UniqueID: a.nextUniqueID(),
		Micros:   a.nowMicros(),
		Entities: entities,
	}

	buf, before, err := a.appendRecord(rec)
	if err != nil {
		return 0, err
	}

	return a.findRecord(buf, before)
}

// contend waits until no earlier conflicting claim is live, then announces
// ownership.
func (a *AppendLog) contend(entities []Entity, mine uint64, d Deadline, spinNotSleep bool) error {
	pause := fs.NewPollBackOff(0)
	lastBeat := a.now()

	for {
		res, err := a.discover(entities, mine, d)
		if err != nil {
			return err
		}

		if res.torn {
			a.log.Debug("torn record, rescanning", zap.Uint64("offset", res.tornAt))
		} else if !res.preceding {
			return a.win(entities, mine, res)
		}

		if d.Expired() {
			if res.torn {
				return fmt.Errorf("%w: log kept changing under the scan", ErrTimedOut)
			}

			return fmt.Errorf("%w: waiting behind claim %d", ErrTimedOut, res.blocker)
		}

		if a.now().Sub(lastBeat) >= a.beatEvery {
			err = a.appendMessage(CodeNominate, mine, entities)
			if err != nil {
				return err
			}

			lastBeat = a.now()
		}

		if spinNotSleep {
			runtime.Gosched()
		} else {
			time.Sleep(min(pause.NextBackOff(), d.Remaining()))
		}
	}
}

// win announces ownership, then zeroes records no future scan needs.
func (a *AppendLog) win(entities []Entity, mine uint64, res scanResult) error {
	err := a.appendMessage(CodeHaveLock, mine, entities)
	if err != nil {
		return err
	}

	floor := max(res.header.FirstKnownGood, logHeaderSize)
	if res.staleFloor > floor {
		err = a.zeroRange(floor, min(res.staleFloor, mine))
		if err != nil {
			a.log.Warn("zero stale records", zap.Error(err))
		}
	}

	slices.Sort(res.reclaim)

	for _, off := range res.reclaim {
		err = a.zeroRecord(off)
		if err != nil {
			a.log.Warn("zero released record", zap.Uint64("offset", off), zap.Error(err))

			break
		}
	}

	return nil
}

// withdraw cancels a claim that did not win.
func (a *AppendLog) withdraw(entities []Entity, mine uint64) {
	err := a.appendMessage(CodeRescind, mine, entities)
	if err != nil {
		a.log.Error("append rescind record", zap.Uint64("claim", mine), zap.Error(err))
	}

	err = a.zeroRecord(mine)
	if err != nil {
		a.log.Error("release lock request", zap.Uint64("claim", mine), zap.Error(err))
	}
}

func (a *AppendLog) startHeartbeat(entities []Entity, mine uint64) {
	hb := &heartbeat{stop: make(chan struct{}), done: make(chan struct{})}

	a.mu.Lock()
	a.heartbeats[mine] = hb
	a.mu.Unlock()

	go func() {
		defer close(hb.done)

		ticker := time.NewTicker(a.beatEvery)
		defer ticker.Stop()

		for {
			select {
			case <-hb.stop:
				return
			case <-ticker.C:
				err := a.appendMessage(CodeNominate, mine, entities)
				if err != nil {
					a.log.Warn("append holder heartbeat", zap.Uint64("claim", mine), zap.Error(err))
				}
			}
		}
	}()
}

// stopHeartbeat returns once no heartbeat for the claim can append again,
// so nothing for it lands after its unlock record.
func (a *AppendLog) stopHeartbeat(mine uint64) {
	a.mu.Lock()
	hb, ok := a.heartbeats[mine]
	delete(a.heartbeats, mine)
	a.mu.Unlock()

	if ok {
		close(hb.stop)
		<-hb.done
	}
}

// appendMessage appends a record for an existing claim.
func (a *AppendLog) appendMessage(code MessageCode, claim uint64, entities []Entity) error {
	_, _, err := a.appendRecord(LogRecord{
		Code:     code,
		UniqueID: claim,
		Micros:   a.nowMicros(),
		Entities: entities,
	})

	return err
}

// appendRecord appends rec and returns its bytes and the file size seen
// just before the append.
func (a *AppendLog) appendRecord(rec LogRecord) ([]byte, int64, error) {
	buf := encodeRecord(rec, a.skipHash)

	info, err := a.rw.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat append log: %w", err)
	}

	before := info.Size()

	if a.nfs {
		err = a.locker.Lock(a.rw, before, 0, fs.ExclusiveLock)
		if err != nil {
			return nil, 0, fmt.Errorf("lock append region: %w", err)
		}

		defer func() {
			if err := a.locker.Unlock(a.rw, before, 0); err != nil {
				a.log.Warn("unlock append region", zap.Error(err))
			}
		}()
	}

	_, err = a.app.Write(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("append %s record: %w", rec.Code, err)
	}

	return buf, before, nil
}

// findRecord scans forward from before for the record just appended. Appends
// do not report where they landed, and other appends may have come first.
func (a *AppendLog) findRecord(want []byte, before int64) (uint64, error) {
	off := before / logRecordSize * logRecordSize
	batch := make([]byte, logScanBatch)

	for {
		n, err := a.rw.ReadAt(batch, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read append log: %w", err)
		}

		for i := 0; i+logRecordSize <= n; i += logRecordSize {
			if bytes.Equal(batch[i:i+logRecordSize], want) {
				return uint64(off) + uint64(i), nil
			}
		}

		if n < len(batch) {
			return 0, fmt.Errorf("appended lock request not found after offset %d", before)
		}

		off += int64(n)
	}
}

// readHeader reads the header, retrying while it is torn. A header stays
// torn for at most the duration of one 48-byte write, so a few retries are
// always allowed even past the deadline.
func (a *AppendLog) readHeader(d Deadline) (LogHeader, error) {
	const minAttempts = 8

	buf := make([]byte, logHeaderSize)
	pause := fs.NewPollBackOff(0)

	for attempt := 1; ; attempt++ {
		n, err := a.rw.ReadAt(buf, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return LogHeader{}, fmt.Errorf("read append log header: %w", err)
		}

		if n == logHeaderSize {
			hdr, ok := decodeHeader(buf, a.skipHash)
			if ok && hdr.FirstKnownGood >= logHeaderSize {
				return hdr, nil
			}
		}

		if attempt >= minAttempts && d.Expired() {
			return LogHeader{}, fmt.Errorf("%w: append log header stays torn", ErrTimedOut)
		}

		time.Sleep(pause.NextBackOff())
	}
}

var zeroRecordBuf = make([]byte, logRecordSize)

func (a *AppendLog) zeroRecord(off uint64) error {
	_, err := a.rw.WriteAt(zeroRecordBuf, int64(off))

	return err
}

// zeroRange writes zeros over [from, to).
func (a *AppendLog) zeroRange(from, to uint64) error {
	const chunk = 64 << 10

	zeros := make([]byte, min(chunk, to-from))

	for off := from; off < to; {
		n := min(uint64(len(zeros)), to-off)

		_, err := a.rw.WriteAt(zeros[:n], int64(off))
		if err != nil {
			return err
		}

		off += n
	}

	return nil
}

func (a *AppendLog) nowMicros() uint64 {
	us := a.now().UnixMicro() - int64(a.timeOffset)*1e6
	if us < 0 {
		return 0
	}

	return uint64(us) & microsMask
}

// nextUniqueID returns a nonzero id unique to this attempt.
func (a *AppendLog) nextUniqueID() uint64 {
	id := a.token + a.seq.Add(1)
	if id == 0 {
		id = a.token + a.seq.Add(1)
	}

	return id
}

func randomToken() uint64 {
	var b [8]byte

	_, _ = rand.Read(b[:])

	return binary.LittleEndian.Uint64(b[:])
}
