// Package arena provides per-connection memory accounting against a fixed
// byte budget. Block buffers (message.BlockBase.AllocateBlock) and the
// reliable channel's block reassembly buffers are allocated through an
// Arena, so oversized blocks from a peer run into its own connection's
// limit. Message values themselves and the endpoint's fragment reassembly
// buffers are ordinary Go allocations and are not counted.
//
// This is a bounded bump/free-counting allocator rather than a literal
// TLSF implementation (see DESIGN.md) — Go's runtime already owns real
// allocation and GC, so the arena's job here is purely admission control:
// track bytes outstanding against a limit and refuse once it's reached.
package arena

import "github.com/pkg/errors"

// ErrOutOfMemory is returned once an Arena's outstanding allocations would
// exceed its configured limit.
var ErrOutOfMemory = errors.New("arena: allocation would exceed connection memory limit")

// Arena tracks bytes allocated against a fixed limit. It is not safe for
// concurrent use — by design, a Connection and everything it owns is driven
// by a single goroutine.
type Arena struct {
	limit int64
	used  int64
	broke bool
}

// New creates an Arena that admits at most limit bytes outstanding at once.
// A non-positive limit means unbounded (useful for tests and the measure
// path, which never actually allocates).
func New(limit int64) *Arena {
	return &Arena{limit: limit}
}

// Allocate reserves n bytes and returns a zeroed slice of that length. It
// fails once the arena's limit would be exceeded; the failure latches
// OutOfMemory until Reset is called, mirroring how a channel latches its
// own errors.
func (a *Arena) Allocate(n int) ([]byte, error) {
	if a.limit > 0 && a.used+int64(n) > a.limit {
		a.broke = true
		return nil, ErrOutOfMemory
	}
	a.used += int64(n)
	return make([]byte, n), nil
}

// Free releases n bytes back to the budget. Callers pass the length they
// originally allocated with Allocate, not len(slice) after any resizing.
func (a *Arena) Free(n int) {
	a.used -= int64(n)
	if a.used < 0 {
		a.used = 0
	}
}

// InUse returns the number of bytes currently outstanding.
func (a *Arena) InUse() int64 { return a.used }

// Limit returns the configured byte budget (0 meaning unbounded).
func (a *Arena) Limit() int64 { return a.limit }

// OutOfMemory reports whether an allocation has ever failed on this arena.
func (a *Arena) OutOfMemory() bool { return a.broke }

// Reset clears accounting and the OutOfMemory latch. Used when a connection
// is reused across tests; production callers instead construct a new Arena
// per connection and let it be discarded with it.
func (a *Arena) Reset() {
	a.used = 0
	a.broke = false
}
