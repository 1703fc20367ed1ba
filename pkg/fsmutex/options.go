package fsmutex

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

const (
	// DefaultStaleAfter is how old an [AppendLog] record must be before
	// scans stop at it and treat its writer as dead.
	DefaultStaleAfter = 20 * time.Second

	// DefaultHeartbeatInterval is how often [AppendLog] waiters and holders
	// append a nominate record so they are never mistaken for stale.
	DefaultHeartbeatInterval = 10 * time.Second
)

// Options configures a backend.
//
// Only Path is required. Fields a backend does not use are ignored.
type Options struct {
	// Path is the lock file ([ByteRanges], [SafeByteRanges], [MemoryMap],
	// [AppendLog]) or lock directory ([LockFiles]). It is created if missing.
	Path string

	// FS performs path and file operations. Defaults to [fs.Real].
	FS fs.FS

	// Logger receives errors that cannot be returned, mostly from unlock
	// paths. Defaults to a no-op logger.
	Logger *zap.Logger

	// NFSCompatibility makes [AppendLog] serialize each append with a
	// byte-range lock, for network filesystems whose O_APPEND is not atomic.
	NFSCompatibility bool

	// SkipHashing makes [AppendLog] neither write nor verify record hashes.
	// Only safe on filesystems that never expose torn writes, such as
	// copy-on-write filesystems.
	SkipHashing bool

	// StaleAfter overrides [DefaultStaleAfter] for [AppendLog].
	StaleAfter time.Duration

	// HeartbeatInterval overrides [DefaultHeartbeatInterval] for [AppendLog].
	// It must be below StaleAfter, or live holders look stale. When unset and
	// the default would not fit, it becomes half of StaleAfter.
	HeartbeatInterval time.Duration

	// TableDir is where [MemoryMap] creates its shared spinlock table.
	// Defaults to /dev/shm when present, else [os.TempDir].
	TableDir string

	// Registry is the process-wide state [SafeByteRanges] shares between
	// handles on the same file. Defaults to [DefaultRegistry].
	Registry *Registry
}

// withDefaults validates opts and fills in defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Path == "" {
		return Options{}, fmt.Errorf("%w: Path is required", ErrInvalidInput)
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	if o.StaleAfter < 0 || o.HeartbeatInterval < 0 {
		return Options{}, fmt.Errorf("%w: negative StaleAfter or HeartbeatInterval", ErrInvalidInput)
	}

	if o.StaleAfter == 0 {
		o.StaleAfter = DefaultStaleAfter
	}

	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = min(DefaultHeartbeatInterval, o.StaleAfter/2)
	}

	if o.HeartbeatInterval == 0 || o.HeartbeatInterval >= o.StaleAfter {
		return Options{}, fmt.Errorf("%w: HeartbeatInterval %s must be below StaleAfter %s",
			ErrInvalidInput, o.HeartbeatInterval, o.StaleAfter)
	}

	if o.Registry == nil {
		o.Registry = DefaultRegistry
	}

	return o, nil
}
