// Package fsmutex locks sets of entities across threads and processes using
// only the filesystem.
//
// An [Entity] is a 63-bit value plus a shared or exclusive flag. Any number
// of shared holders may hold the same value; an exclusive holder excludes
// everyone else. Entities can be derived from strings or bytes with
// [EntityFromString] and [EntityFromBuffer], or drawn at random.
//
// Every backend implements [Mutex]: lock a set of entities atomically,
// waiting up to a [Deadline], and get back a [Guard] that releases them.
// Attempts never hold a partial set; backends that lock entity by entity
// release what they took and retry in a different order.
//
// Backends trade portability for speed:
//
//   - [ByteRanges]: one byte-range lock per entity on a single file.
//     Locks are released by the kernel when the process dies.
//   - [SafeByteRanges]: ByteRanges with per-handle ownership inside one
//     process, sharing one descriptor per file through a [Registry].
//   - [LockFiles]: one exclusively created file per entity in a directory.
//     Works everywhere, but a crash leaves stale files behind.
//   - [MemoryMap]: spinlocks in a shared memory table. Fastest, local
//     machine only.
//   - [AppendLog]: claims appended to a shared log. Needs no byte-range
//     locks for locking and recovers from crashed holders once their
//     records go stale.
//
// Typical use:
//
//	m, err := fsmutex.OpenByteRanges(fsmutex.Options{Path: "/var/lock/app.lock"})
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	g, err := m.Lock([]fsmutex.Entity{fsmutex.EntityFromString("orders", true)},
//		fsmutex.DeadlineAfter(time.Second), false)
//	if err != nil {
//		return err
//	}
//	defer g.Unlock()
package fsmutex
