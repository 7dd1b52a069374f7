package registry

import (
	"runtime"
	"weak"
)

// WeakRef is a type-erased handle onto an object the registry does
// not keep alive on its own — the Go analogue of the source runtime's
// weak-reference storage slot described in §3 ("a weak reference,
// when local but unused-by-remoting, or when remote").
type WeakRef interface {
	// Value returns the referenced object and true if it is still
	// reachable from somewhere outside the registry.
	Value() (any, bool)
}

type weakRefImpl[T any] struct {
	wp weak.Pointer[T]
}

func (w weakRefImpl[T]) Value() (any, bool) {
	p := w.wp.Value()
	if p == nil {
		return nil, false
	}
	return any(p), true
}

// NewWeakRef builds a WeakRef for ptr. T is inferred at the call site,
// which is why registry.Register and the proxy factories are generic:
// only code that holds the concrete pointer type can hand the registry
// something it can track without retaining a strong reference.
func NewWeakRef[T any](ptr *T) WeakRef {
	return weakRefImpl[T]{wp: weak.Make(ptr)}
}

// TrackCollectible builds a WeakRef for ptr and arranges for onCollected
// to run once ptr becomes unreachable and the runtime has noticed —
// this is the Go stand-in for the GC heuristic's "post-collection
// observation" trigger (§4.G, §9 open question iii): the distributed
// GC sweeper doesn't need to poll, it gets an event.
func TrackCollectible[T any](ptr *T, onCollected func()) WeakRef {
	runtime.AddCleanup(ptr, func(_ struct{}) { onCollected() }, struct{}{})
	return NewWeakRef(ptr)
}
