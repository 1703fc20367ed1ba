package cli

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

// Backend names accepted by --backend and the "backend" config key.
const (
	BackendByteRanges     = "byte_ranges"
	BackendSafeByteRanges = "safe_byte_ranges"
	BackendLockFiles      = "lock_files"
	BackendMemoryMap      = "memory_map"
	BackendAppendLog      = "append_log"
)

// BackendNames lists every backend in the order help text shows them.
func BackendNames() []string {
	return []string{
		BackendByteRanges,
		BackendSafeByteRanges,
		BackendLockFiles,
		BackendMemoryMap,
		BackendAppendLog,
	}
}

// maxEntities returns how many entities one attempt may lock, 0 for no
// limit.
func maxEntities(backend string) int {
	if backend == BackendAppendLog {
		return 12
	}

	return 0
}

// openBackend opens backend on path with settings from cfg.
func openBackend(cfg Config, backend, path string, log *zap.Logger) (fsmutex.Mutex, error) {
	opts := fsmutex.Options{
		Path:              path,
		Logger:            log,
		NFSCompatibility:  cfg.NFSCompatibility,
		SkipHashing:       cfg.SkipHashing,
		StaleAfter:        time.Duration(cfg.StaleAfter),
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval),
		TableDir:          cfg.TableDir,
	}

	switch backend {
	case BackendByteRanges:
		return asMutex(fsmutex.OpenByteRanges(opts))
	case BackendSafeByteRanges:
		return asMutex(fsmutex.OpenSafeByteRanges(opts))
	case BackendLockFiles:
		return asMutex(fsmutex.OpenLockFiles(opts))
	case BackendMemoryMap:
		return asMutex(fsmutex.OpenMemoryMap(opts))
	case BackendAppendLog:
		return asMutex(fsmutex.OpenAppendLog(opts))
	default:
		return nil, fmt.Errorf("%w %q (want one of %v)", ErrUnknownBackend, backend, BackendNames())
	}
}

// asMutex keeps a failed open from turning into a non-nil interface holding
// a nil pointer.
func asMutex[M fsmutex.Mutex](m M, err error) (fsmutex.Mutex, error) {
	if err != nil {
		return nil, err
	}

	return m, nil
}
