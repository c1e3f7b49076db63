package arena

import (
	"time"

	"github.com/flier/mimarena/internal/obslog"
	"github.com/flier/mimarena/internal/osmem"
)

// Options holds the allocator's four configuration knobs (arena reserve
// size, purge delay, reset-vs-decommit choice, OS-fallback limit) plus the
// OS/NUMA/clock/logging collaborators every Allocator needs. Options is
// always constructed explicitly and passed to NewAllocator — there is no
// package-level configuration state.
type Options struct {
	// ArenaReserve is the size, in bytes, eagerly reserved as a fresh arena
	// when no existing arena can satisfy a request. Zero disables eager
	// reservation.
	ArenaReserve uint64

	// ArenaPurgeDelay is how long a freed block waits before its purge is
	// executed. Zero means purge immediately instead of scheduling.
	ArenaPurgeDelay time.Duration

	// ResetDecommits selects the purge strategy: true decommits (drops the
	// committed bit), false only resets (advises the OS, keeps committed
	// set).
	ResetDecommits bool

	// LimitOSAlloc, if true, refuses to fall back to a direct OS allocation
	// when no arena can satisfy a request.
	LimitOSAlloc bool

	// Backend is the OS memory primitive collaborator. If nil, NewAllocator
	// selects the platform default.
	Backend osmem.Backend

	// NUMA reports node placement. If nil, NewAllocator detects it.
	NUMA osmem.NUMA

	// Clock drives the purge engine's delay/expiry arithmetic. If nil,
	// NewAllocator uses the real wall clock.
	Clock osmem.Clock

	// Log receives every verbose/warning/error diagnostic the allocator and
	// purge engine emit. If nil, diagnostics are discarded.
	Log *obslog.Sink

	// preloading marks the early-init window during which a purge runs as
	// if the delay were 0 (immediate, no scheduling) and never decommits
	// even if ResetDecommits is set — decommitting during early process
	// startup has been unsafe on some platforms this allocator design
	// targets.
	preloading bool
}

func (o *Options) normalize() {
	if o.Backend == nil {
		o.Backend = osmem.NewBackend()
	}
	if o.NUMA == nil {
		o.NUMA = osmem.DetectNUMA()
	}
	if o.Clock == nil {
		o.Clock = osmem.NewSystemClock()
	}
	if o.Log == nil {
		o.Log = obslog.Nop()
	}
}

// Option configures an Allocator at construction time, in the
// functional-option style: each With* function returns an Option that sets
// one field of Options.
type Option func(*Options)

// WithArenaReserve sets Options.ArenaReserve.
func WithArenaReserve(bytes uint64) Option {
	return func(o *Options) { o.ArenaReserve = bytes }
}

// WithArenaPurgeDelay sets Options.ArenaPurgeDelay.
func WithArenaPurgeDelay(d time.Duration) Option {
	return func(o *Options) { o.ArenaPurgeDelay = d }
}

// WithResetDecommits sets Options.ResetDecommits.
func WithResetDecommits(v bool) Option {
	return func(o *Options) { o.ResetDecommits = v }
}

// WithLimitOSAlloc sets Options.LimitOSAlloc.
func WithLimitOSAlloc(v bool) Option {
	return func(o *Options) { o.LimitOSAlloc = v }
}

// WithBackend overrides the OS memory collaborator, primarily for tests.
func WithBackend(b osmem.Backend) Option {
	return func(o *Options) { o.Backend = b }
}

// WithNUMA overrides the NUMA collaborator, primarily for tests.
func WithNUMA(n osmem.NUMA) Option {
	return func(o *Options) { o.NUMA = n }
}

// WithClock overrides the clock collaborator, primarily for tests that want
// to fast-forward the purge engine's delay without sleeping.
func WithClock(c osmem.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithLog attaches a diagnostic sink.
func WithLog(log *obslog.Sink) Option {
	return func(o *Options) { o.Log = log }
}

// WithPreloading marks the early-init window during which purges happen
// immediately and never decommit.
func WithPreloading(v bool) Option {
	return func(o *Options) { o.preloading = v }
}
