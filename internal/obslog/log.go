// Package obslog is the arena subsystem's diagnostic sink.
//
// The arena subsystem never treats a failure as fatal (spec: no error is
// fatal; double-frees and bogus memids are logged and dropped). obslog is
// where those diagnostics, and the verbose/warning tracing the allocator and
// purge engine emit on their hot paths, actually go.
//
// This plays the role the teacher module's internal/debug package played —
// a build-tag-free always-on logger here, since arena diagnostics (double
// free, OOM, registry-full) are operational signals a production build
// wants even when the package's own allocation tracing is off — tagged with
// the emitting goroutine's id via github.com/timandy/routine, same as
// debug.Log did.
package obslog

import (
	"sync"

	"github.com/dolthub/maphash"
	"github.com/timandy/routine"
	"go.uber.org/zap"
)

// Sink is the diagnostic endpoint the arena package logs through. It wraps a
// *zap.Logger with the three severities the spec's error-handling design
// names: verbose, warning, and error.
type Sink struct {
	log *zap.Logger

	// traceFilter gates the high-frequency alloc/free trace lines (Verbose)
	// to a sampled subset of call sites instead of a regexp evaluated on
	// every call, which is what the teacher's debug.Log did via its
	// "-filter" flag. The gate gets its uniformity from a seeded
	// non-cryptographic hash, dolthub/maphash, rather than crypto/rand or
	// hash/fnv.
	traceFilter uint64
	hasher      maphash.Hasher[string]
}

var hasherOnce sync.Once
var sharedHasher maphash.Hasher[string]

func newHasher() maphash.Hasher[string] {
	hasherOnce.Do(func() {
		sharedHasher = maphash.NewHasher[string]()
	})
	return sharedHasher
}

// New builds a Sink around a *zap.Logger. Pass zap.NewNop() in tests that
// don't care about log output.
func New(log *zap.Logger) *Sink {
	return &Sink{log: log, hasher: newHasher()}
}

// NewProduction builds a Sink around zap's production configuration
// (JSON-encoded, info level and above).
func NewProduction() *Sink {
	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	return New(log)
}

// WithTraceSampleMask restricts Verbose logging to call sites whose context
// key hashes into the given mask, e.g. 0xF keeps roughly 1 in 16. A mask of
// 0 (the default) disables sampling and traces everything.
func (s *Sink) WithTraceSampleMask(mask uint64) *Sink {
	return &Sink{log: s.log, hasher: s.hasher, traceFilter: mask}
}

// Verbose logs a low-severity trace line: arena allocs/frees, purge sweeps.
// key identifies the call site for sampling purposes (e.g. "alloc", "free").
func (s *Sink) Verbose(key, msg string, fields ...zap.Field) {
	if s.traceFilter != 0 {
		h := s.hasher.Hash(key)
		if h&s.traceFilter != 0 {
			return
		}
	}
	s.log.Debug(msg, append(fields, zap.Int64("goid", routine.Goid()))...)
}

// Warning logs a recoverable but noteworthy condition: a failed OS call
// (commit, decommit, reset, reservation, free), a full registry, or an OS
// fallback refused because of LimitOSAlloc.
func (s *Sink) Warning(msg string, fields ...zap.Field) {
	s.log.Warn(msg, append(fields, zap.Int64("goid", routine.Goid()))...)
}

// Error logs a non-fatal error the caller can still recover from: a
// double-free or a bogus memid. The spec requires
// these be logged and dropped, never panicked.
func (s *Sink) Error(errnoName, msg string, fields ...zap.Field) {
	s.log.Error(msg, append(fields, zap.String("errno", errnoName), zap.Int64("goid", routine.Goid()))...)
}

// Nop is a Sink that discards everything, for callers (and tests) that have
// no logging pipeline configured.
func Nop() *Sink { return New(zap.NewNop()) }
