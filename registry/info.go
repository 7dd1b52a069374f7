package registry

import "sync"

// PeerIndex is the small integer [0..63] a remote peer is assigned so
// its presence can be recorded as a bit in an Info's reference bit
// vector (§3 "Peer index").
type PeerIndex int

// NoPeer is passed to Register/setBit when an object is registered
// without yet being sent to any particular peer (§4.B: "willBeSentTo"
// is optional).
const NoPeer PeerIndex = -1

// MaxPeers is the hard cap on distinct peers a single process can
// track, imposed by the 64-bit reference bit vector.
const MaxPeers = 64

// Info is the per-identifier record described in §3 ("Entity:
// InstanceInfo"). All mutation of a single Info goes through its own
// mutex, matching §5 ("Per-entry mutation ... is serialised by a
// monitor on the InstanceInfo").
type Info struct {
	mu sync.Mutex

	id         Identifier
	typeName   string
	isLocal    bool
	owner      ProcessIdentifier
	interfaces []string // known interface names, for interface-proxy synthesis

	strong any     // set while a local object is in use by remoting; never set for remote entries
	weak   WeakRef // a remote entry's proxy, or a local object after markUnusedLocally dropped the strong slot

	newWeak func() WeakRef // builds the WeakRef for this entry's concrete pointer type, for markUnusedLocally

	bits uint64 // referenceBitVector
}

func newLocalInfo(id Identifier, self ProcessIdentifier, typeName string, obj any) *Info {
	return &Info{id: id, typeName: typeName, isLocal: true, owner: self, strong: obj}
}

func newRemoteInfo(id Identifier, owner ProcessIdentifier, typeName string, interfaces []string) *Info {
	return &Info{id: id, typeName: typeName, isLocal: false, owner: owner, interfaces: interfaces}
}

// Identifier returns the stable id this entry is registered under.
func (i *Info) Identifier() Identifier {
	return i.id
}

// TypeName returns the assembly-qualified-equivalent type name
// recorded at registration time, used to synthesise proxies on the
// peer side.
func (i *Info) TypeName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typeName
}

// IsLocal reports whether this process owns the underlying object
// (invariant 2: isLocal == (identifier.prefix == ownProcessIdentifier)).
func (i *Info) IsLocal() bool {
	return i.isLocal
}

// Interfaces returns the known interface names carried by a NewProxy
// reference, used when the concrete type can't be resolved locally.
func (i *Info) Interfaces() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.interfaces...)
}

// setBit marks peer p as holding a reference. Returns true if this
// newly set the bit (peer previously did not hold a reference).
func (i *Info) setBit(p PeerIndex) bool {
	if p == NoPeer {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	mask := uint64(1) << uint(p)
	was := i.bits&mask != 0
	i.bits |= mask
	return !was
}

// clearBit clears peer p's bit and reports the resulting bit vector
// and whether it is now zero.
func (i *Info) clearBit(p PeerIndex) (bits uint64, zero bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bits &^= uint64(1) << uint(p)
	return i.bits, i.bits == 0
}

// Bits returns a snapshot of the reference bit vector.
func (i *Info) Bits() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bits
}

// object returns the strong object if present, otherwise the weak
// target if it is still alive.
func (i *Info) object() (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.strong != nil {
		return i.strong, true
	}
	if i.weak != nil {
		return i.weak.Value()
	}
	return nil, false
}

// markUnusedLocally drops the strong hold, demoting to the weak slot
// (§3 lifecycle: "Mutated by markUnusedLocally (clears storage /
// strong→weak)"). Uses newWeak, stashed at registration time, to build
// the WeakRef for this entry's concrete pointer type.
func (i *Info) markUnusedLocally() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.strong = nil
	if i.newWeak != nil {
		i.weak = i.newWeak()
	}
}

// resurrect installs obj as the new strong reference, used when a
// released slot is revived by an incoming reference (§4.B "Revival").
func (i *Info) resurrect(obj any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.strong = obj
	i.weak = nil
}

// released reports invariant 3: strong == nil && weak target gone (or
// no weak ref was ever installed, e.g. a remote entry never
// materialised into a live proxy).
func (i *Info) released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.strong != nil {
		return false
	}
	if i.weak == nil {
		return true
	}
	_, alive := i.weak.Value()
	return !alive
}
