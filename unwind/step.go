package unwind

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/corvidae/unwind/cache"
	"github.com/corvidae/unwind/cfi"
	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/uwerr"
)

// CachePolicy selects how a Space shares its register-state cache across
// the cursors that use it.
type CachePolicy int

const (
	// CacheNone performs no caching; every Step recomputes via the CFI
	// interpreter.
	CacheNone CachePolicy = iota

	// CacheGlobal shares one cache across every cursor the Space serves,
	// appropriate for a single-threaded target or one where every thread
	// shares the same address space contents (the common case: the cache
	// key is an instruction pointer, not a (thread, ip) pair, so sharing
	// it across threads unwinding the same binary is always correct,
	// only less effective than a per-thread cache when threads are
	// unwound concurrently and evict each other's entries).
	CacheGlobal

	// CachePerThread gives each cursor its own cache, stored on the
	// cursor itself (Cursor.ThreadCache), allocated lazily on first use.
	CachePerThread
)

// Space bundles everything Step needs to resolve and apply register state
// for one address space: where to look up unwind info, how to read memory
// and registers, how to evaluate DWARF expressions, the target's
// architecture-specific hooks, and the cache policy governing how much of
// that work a repeat lookup can skip.
//
// A Space is safe for concurrent use by multiple goroutines, each driving
// its own Cursor, when its cache policy is CacheNone or CachePerThread;
// CacheGlobal is additionally safe for concurrent use since the
// underlying cache.Cache serializes its own access, but concurrent
// cursors will then contend for (and evict) the same cache slots.
type Space struct {
	Provider  ProcInfoProvider
	Access    AddressSpace
	Evaluator ExpressionEvaluator
	Target    TargetHooks

	N         int
	ByteOrder binary.ByteOrder

	CachePolicy CachePolicy

	global     *cache.Cache
	generation atomic.Uint64
}

// NewSpace returns a Space ready to serve Step calls. n is the target's
// preserved-register count (cfi.Machine/regstate.Record's N).
func NewSpace(provider ProcInfoProvider, access AddressSpace, evaluator ExpressionEvaluator, target TargetHooks, n int, order binary.ByteOrder, policy CachePolicy) *Space {
	s := &Space{
		Provider:    provider,
		Access:      access,
		Evaluator:   evaluator,
		Target:      target,
		N:           n,
		ByteOrder:   order,
		CachePolicy: policy,
	}
	if policy == CacheGlobal {
		s.global = cache.New(s.generationValue)
	}
	return s
}

func (s *Space) generationValue() uint64 {
	return s.generation.Load()
}

// Flush invalidates every entry in the global cache (a no-op under
// CacheNone/CachePerThread, where there is no shared cache to invalidate;
// per-thread caches are invalidated by discarding the Cursor). Callers
// with CacheGlobal should call this whenever the underlying address
// space's mappings change (e.g. a traced process dlopens a library),
// since the cache key (instruction pointer) alone cannot detect that.
func (s *Space) Flush() {
	s.generation.Add(1)
}

func (s *Space) cacheFor(cursor *Cursor) *cache.Cache {
	switch s.CachePolicy {
	case CacheGlobal:
		return s.global
	case CachePerThread:
		if cursor.ThreadCache == nil {
			cursor.ThreadCache = cache.New(nil)
		}
		return cursor.ThreadCache
	default:
		return nil
	}
}

// Step resolves the register state covering cursor's current instruction
// pointer (from cache, or by running the FDE/CIE driver against fresh
// proc-info) and applies it, advancing cursor to the caller's frame. It
// returns false, nil at a clean end of stack (Apply found no return
// address) and a non-nil error for anything else: no proc-info coverage
// (uwerr.ErrNoInfo), a malformed CFI program (uwerr.ErrBadInput/
// ErrBadRegister), or a bad frame (uwerr.ErrBadFrame).
func (s *Space) Step(cursor *Cursor) (bool, error) {
	queryIP := cursor.IP
	if cursor.UsePrevInstr && queryIP > 0 {
		queryIP--
	}

	c := s.cacheFor(cursor)

	if c != nil {
		if rec, signalFrame, index, ok := c.Lookup(queryIP, cursor.Hint); ok {
			cursor.signalFrame = signalFrame
			nextHint := c.Hint(index)
			c.LinkHint(cursor.cacheIndex, index)
			cursor.cacheIndex = index
			cursor.Hint = nextHint
			s.Target.ReuseFrame(cursor, signalFrame)
			return s.apply(cursor, rec)
		}
	}

	info, err := s.Provider.Find(queryIP)
	if err != nil {
		return false, err
	}
	defer s.Provider.Release(info)

	if info.Format == FormatDynamic {
		return false, fmt.Errorf("unwind: dynamic unwind info not supported: %w", uwerr.ErrNoInfo)
	}

	initial, err := cfi.Setup(s.N, info.CIE, s.Target, s.Target, info.CIEInstructions, s.ByteOrder)
	if err != nil {
		return false, err
	}

	state, err := cfi.ParseFDE(initial, info.CIE, s.Target, info.StartIP, queryIP, info.SignalFrame, info.FDEInstructions, s.ByteOrder)
	if err != nil {
		return false, err
	}

	cursor.signalFrame = info.SignalFrame
	cursor.UsePrevInstr = !info.SignalFrame
	s.Target.StashFrame(cursor, state)

	if c != nil {
		index, err := c.Insert(queryIP, s.Target.CacheFrame(cursor), state, cursor.cacheIndex)
		if err != nil {
			// A cache that cannot grow degrades to CacheNone for this
			// step; the unwind itself still succeeds.
			cursor.cacheIndex = 0
			cursor.Hint = 0
		} else {
			cursor.cacheIndex = index
			cursor.Hint = 0
		}
	}

	return s.apply(cursor, state)
}

func (s *Space) apply(cursor *Cursor, state *regstate.Record) (bool, error) {
	ok, err := Apply(cursor, state, s.Target, s.Access, s.Evaluator)
	if err != nil {
		return false, err
	}
	if ok {
		cursor.UsePrevInstr = !cursor.signalFrame
	}
	return ok, nil
}
