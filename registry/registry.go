// Package registry implements the instance registry (4.B): the
// process-wide table mapping every marshal-by-reference object to a
// stable Identifier, and the machinery to materialise proxies for
// remote objects on demand.
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dsmithson/goremoting/remoteerr"
)

// Interceptor is implemented by the client-side call interceptor (4.E)
// and is what a synthesised proxy routes every virtual call through.
type Interceptor interface {
	Invoke(methodID string, genericArgs []string, args []any) (results []any, err error)
}

// Factory is implemented by the proxy package (4.D). The registry
// depends only on this interface so registry and proxy don't import
// each other; whoever wires the runtime together supplies a concrete
// Factory to New.
type Factory interface {
	// NewProxy synthesises a proxy for typeName/id routed through
	// interceptor. weak must be obtained via registry.NewWeakRef or
	// registry.TrackCollectible (passing onCollected through) at the
	// point the concrete proxy type is known, per 4.D's contract.
	NewProxy(typeName string, id Identifier, interfaces []string, interceptor Interceptor, onCollected func()) (obj any, weak WeakRef, err error)
}

// Registry is the process-wide, connection-agnostic table described
// in §3 invariant 5: "shared across all connections of the process."
type Registry struct {
	self ProcessIdentifier
	ctr  counter

	table   sync.Map // Identifier -> *Info
	reverse sync.Map // any (local obj pointer) -> Identifier

	factory Factory

	peerMu   sync.Mutex
	peers    map[ProcessIdentifier]PeerIndex
	peerList []ProcessIdentifier

	log *logrus.Entry

	onCollected func(Identifier)
}

// SetCollectedNotifier installs fn to be called (from an arbitrary
// goroutine) when a locally-held proxy becomes unreachable and the
// runtime has noticed — the distributed GC sweeper (4.G) uses this to
// wake up between its periodic sweeps instead of only polling.
func (r *Registry) SetCollectedNotifier(fn func(Identifier)) {
	r.onCollected = fn
}

// New creates a Registry bound to factory, which is used to
// materialise proxies for remote identifiers.
func New(factory Factory, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		self:    NewProcessIdentifier(),
		factory: factory,
		peers:   make(map[ProcessIdentifier]PeerIndex),
		log:     log.WithField("component", "registry"),
	}
}

// Self returns this process's identifier prefix.
func (r *Registry) Self() ProcessIdentifier { return r.self }

// PeerIndexFor returns the small integer index assigned to peer,
// minting one if this is the first time peer is seen. Exceeding
// MaxPeers distinct peers is a hard error (§3 "Peer index").
func (r *Registry) PeerIndexFor(peer ProcessIdentifier) (PeerIndex, error) {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()

	if idx, ok := r.peers[peer]; ok {
		return idx, nil
	}
	if len(r.peerList) >= MaxPeers {
		r.log.WithField("peer", peer).Error("refusing to track additional peer: 64 peer limit reached")
		return 0, remoteerr.New(remoteerr.UnsupportedOperation, "registry: cannot track more than %d peers", MaxPeers)
	}
	idx := PeerIndex(len(r.peerList))
	r.peers[peer] = idx
	r.peerList = append(r.peerList, peer)
	return idx, nil
}

// PeerFor resolves a peer index back to a process identifier.
func (r *Registry) PeerFor(idx PeerIndex) (ProcessIdentifier, bool) {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()
	if int(idx) < 0 || int(idx) >= len(r.peerList) {
		return "", false
	}
	return r.peerList[idx], true
}

func typeNameOf(obj any) string {
	t := reflect.TypeOf(obj)
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}

// MarshalByReference is the marker interface every remotable object
// implements — the Go stand-in for the source runtime's
// MarshalByRefObject base class (see GLOSSARY). RegisterSelf mints or
// retrieves the object's Identifier; concrete types implement it with
// a one-line call to the generic Register function, which is the only
// place that needs to know the object's concrete pointer type (to
// build its weak-reference closure).
type MarshalByReference interface {
	RegisterSelf(r *Registry) Identifier
}

// Dispatchable is the server-side counterpart to a proxy's
// client-side forwarder (4.F "MethodCall"): a remotable type's
// hand-written implementation knows how to unmarshal the generic
// decoded arguments for one of its own methodIDs and invoke the real
// implementation. Pairing a hand-written Dispatch with a hand-written
// proxy.Constructor is the Go stand-in for 4.D's dynamic-proxy
// requirement on both ends of the call.
type Dispatchable interface {
	Dispatch(methodID string, args []any) (results []any, err error)
}

// InterfaceHinter lets a marshal-by-reference object declare the
// peer-resolvable interface names it implements, carried in a NewProxy
// tag's optional interface list (§4.A) and used when the receiving
// peer can't resolve the concrete type name.
type InterfaceHinter interface {
	RemotingInterfaces() []string
}

// MarkSentTo records that peer has now been told about id, returning
// true the first time (handler uses this to decide NewProxy vs
// RemoteReference tagging).
func (r *Registry) MarkSentTo(id Identifier, peer PeerIndex) bool {
	v, ok := r.table.Load(id)
	if !ok {
		return false
	}
	return v.(*Info).setBit(peer)
}

// Register records obj as locally owned, returning its (possibly
// pre-existing) Identifier and marking sentTo's bit. T is inferred
// from obj so the weak-reference closure captured here stays
// type-safe without the registry ever needing obj's concrete type
// again (§4.B "register").
func Register[T any](r *Registry, obj *T, sentTo PeerIndex) Identifier {
	if id, ok := r.reverse.Load(any(obj)); ok {
		id := id.(Identifier)
		if v, ok := r.table.Load(id); ok {
			v.(*Info).setBit(sentTo)
		}
		return id
	}

	id := newIdentifier(r.self, &r.ctr)
	info := newLocalInfo(id, r.self, typeNameOf(obj), obj)
	info.newWeak = func() WeakRef { return NewWeakRef(obj) }

	// add-or-update: another goroutine may have raced us to register
	// the same obj under a different id. LoadOrStore makes exactly one
	// entry win; the loser's id and Info are discarded.
	actualIDVal, loaded := r.reverse.LoadOrStore(any(obj), id)
	actualID := actualIDVal.(Identifier)
	if loaded {
		if v, ok := r.table.Load(actualID); ok {
			v.(*Info).setBit(sentTo)
		}
		return actualID
	}

	r.table.Store(id, info)
	info.setBit(sentTo)
	return id
}

// RegisterAt registers obj under an id the caller has already computed
// deterministically (used for delegate targets, §4.C: "same method +
// same remote target + same parameter signature yields the same id").
// Unlike Register, dedup is keyed on the id itself, not object
// identity, since distinct wrapper values can legitimately represent
// the same delegate target.
func RegisterAt[T any](r *Registry, id Identifier, obj *T, sentTo PeerIndex) Identifier {
	if v, ok := r.table.Load(id); ok {
		v.(*Info).setBit(sentTo)
		return id
	}
	info := newLocalInfo(id, r.self, typeNameOf(obj), obj)
	info.newWeak = func() WeakRef { return NewWeakRef(obj) }
	actual, loaded := r.table.LoadOrStore(id, info)
	if loaded {
		actual.(*Info).setBit(sentTo)
		return id
	}
	info.setBit(sentTo)
	return id
}

// TryGet resolves id to its live object, resurrecting a local weak
// slot to strong if the object is still reachable (§4.B "tryGet").
func (r *Registry) TryGet(id Identifier) (any, bool) {
	v, ok := r.table.Load(id)
	if !ok {
		return nil, false
	}
	info := v.(*Info)
	obj, alive := info.object()
	if !alive {
		return nil, false
	}
	if info.IsLocal() {
		info.resurrect(obj)
	}
	return obj, true
}

// TryGetID is the reverse lookup (§4.B "tryGetId"): given a local
// object this process previously registered, return its Identifier
// and type name. Falls back to a linear scan over still-live entries
// when the fast reverse-map entry was dropped by Remove,
// matching the idempotence requirement after a GC transition.
func TryGetID[T any](r *Registry, obj *T) (Identifier, string, bool) {
	if idVal, ok := r.reverse.Load(any(obj)); ok {
		id := idVal.(Identifier)
		if v, ok := r.table.Load(id); ok {
			return id, v.(*Info).TypeName(), true
		}
	}

	var found *Info
	r.table.Range(func(_, v any) bool {
		info := v.(*Info)
		if !info.IsLocal() {
			return true
		}
		if live, alive := info.object(); alive && live == any(obj) {
			found = info
			return false
		}
		return true
	})
	if found == nil {
		return "", "", false
	}
	// Re-populate the fast path now that we've recovered identity.
	r.reverse.Store(any(obj), found.Identifier())
	return found.Identifier(), found.TypeName(), true
}

// CreateOrGetProxy materialises a remote reference (4.B
// "createOrGetProxy"). If id is already known, its existing object is
// returned; proxying a locally-owned id is a programming error.
func (r *Registry) CreateOrGetProxy(typeName string, id Identifier, interfaces []string, interceptor Interceptor) (any, error) {
	if id.IsLocal(r.self) {
		return nil, remoteerr.New(remoteerr.Protocol, "registry: refusing to proxy locally-owned id %s", id)
	}

	if v, ok := r.table.Load(id); ok {
		info := v.(*Info)
		if obj, alive := info.object(); alive {
			return obj, nil
		}
	}

	obj, weakRef, err := r.factory.NewProxy(typeName, id, interfaces, interceptor, func() {
		if r.onCollected != nil {
			r.onCollected(id)
		}
	})
	if err != nil {
		return nil, err
	}

	info := newRemoteInfo(id, id.owner(), typeName, interfaces)
	info.weak = weakRef
	actual, loaded := r.table.LoadOrStore(id, info)
	if loaded {
		if existing, alive := actual.(*Info).object(); alive {
			return existing, nil
		}
	}
	return obj, nil
}

// Remove clears peer's bit on id. If the bit vector becomes zero the
// entry is marked unused; reallyRemove additionally deletes it from
// the table (§4.B "remove").
func (r *Registry) Remove(id Identifier, peer PeerIndex, reallyRemove bool) {
	v, ok := r.table.Load(id)
	if !ok {
		return
	}
	info := v.(*Info)
	_, zero := info.clearBit(peer)
	if !zero {
		return
	}

	if obj, alive := info.object(); alive {
		r.reverse.Delete(obj)
	}
	info.markUnusedLocally()

	if reallyRemove {
		r.table.Delete(id)
	}
}

// PerformGC scans for remote entries whose proxy has become locally
// unreachable (or, if dropAll, every entry this registry instance
// owns) and returns their identifiers for a GcCleanup frame. Matching
// entries are erased locally before returning (§4.B "performGc").
func (r *Registry) PerformGC(dropAll bool) []Identifier {
	var collected []Identifier
	r.table.Range(func(k, v any) bool {
		id := k.(Identifier)
		info := v.(*Info)

		if dropAll {
			if info.owner == r.self {
				collected = append(collected, id)
				r.table.Delete(id)
			}
			return true
		}

		if info.IsLocal() {
			return true
		}
		if info.released() {
			collected = append(collected, id)
			r.table.Delete(id)
		}
		return true
	})
	return collected
}

// Clear is the test escape hatch named in §9 ("tests that share a
// process must have a clear(fullyClear=true) escape hatch").
func (r *Registry) Clear(fullyClear bool) {
	if !fullyClear {
		return
	}
	r.table.Range(func(k, _ any) bool {
		r.table.Delete(k)
		return true
	})
	r.reverse.Range(func(k, _ any) bool {
		r.reverse.Delete(k)
		return true
	})
	r.peerMu.Lock()
	r.peers = make(map[ProcessIdentifier]PeerIndex)
	r.peerList = nil
	r.peerMu.Unlock()
}

// Lookup exposes an Info directly, for tests.
func (r *Registry) Lookup(id Identifier) (*Info, bool) {
	v, ok := r.table.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Info), true
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry{self=%s}", r.self)
}
