// Package proxy implements the proxy factory (4.D): it turns a
// (typeName, id, interceptor) triple into a concrete object the caller
// can invoke like a local one.
//
// Go has no runtime facility to synthesise a new type implementing an
// arbitrary interface (no dynamic proxy codegen, unlike the source
// runtime's Reflection.Emit-based approach). Per 4.D's own escape
// hatch ("replace with either compile-time code generation ... or
// hand-written forwarders, acceptable if the remotable surface is
// small"), this package is a small constructor registry: each
// remotable contract ships one hand-written forwarder type that
// implements its interface by routing every method through a
// registry.Interceptor, and registers a constructor for it here at
// init time — the same pattern acasas-go-rpcgen's code generator
// produces (a typed rpcXClient wrapping *rpc.Client.Call).
package proxy

import (
	"sync"

	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
)

// Constructor builds a concrete proxy for id, routed through
// interceptor, and supplies the WeakRef the registry will poll/be
// notified through. Constructors are expected to call
// registry.TrackCollectible(concretePtr, onCollected) so the concrete
// pointer type is captured at the one place it's statically known.
type Constructor func(interceptor registry.Interceptor, id registry.Identifier, onCollected func()) (obj any, weak registry.WeakRef, err error)

// Factory is the registry.Factory implementation wired into
// registry.New. It selects a Constructor using the rules in 4.D:
//  1. an exact match on the declared type name wins (the Go analogue
//     of "declared type is non-sealed with a known constructor" —
//     class-proxy selection),
//  2. otherwise the first known interface with a registered
//     Constructor is used (interface-proxy selection),
//  3. otherwise the type can't be resolved on this peer.
type Factory struct {
	mu          sync.RWMutex
	byType      map[string]Constructor
	byInterface map[string]Constructor
}

// NewFactory builds an empty Factory; remotable packages call Register
// / RegisterInterface on it (typically a shared package-level Factory,
// see Default).
func NewFactory() *Factory {
	return &Factory{
		byType:      make(map[string]Constructor),
		byInterface: make(map[string]Constructor),
	}
}

// Default is the process-wide Factory used by remotable packages that
// don't need an isolated registry, mirroring how database/sql drivers
// register themselves against a shared default.
var Default = NewFactory()

// Register binds typeName (the value handler.EncodeArg writes into a
// NewProxy tag) to a Constructor.
func (f *Factory) Register(typeName string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byType[typeName] = ctor
}

// RegisterInterface binds an interface name (as carried in a NewProxy
// tag's interface list) to a Constructor, used when the concrete type
// can't be resolved directly (4.D rule 4 / spec.md's "interface
// proxy built on the first known interface").
func (f *Factory) RegisterInterface(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byInterface[name] = ctor
}

// NewProxy implements registry.Factory.
func (f *Factory) NewProxy(typeName string, id registry.Identifier, interfaces []string, interceptor registry.Interceptor, onCollected func()) (any, registry.WeakRef, error) {
	f.mu.RLock()
	ctor, ok := f.byType[typeName]
	f.mu.RUnlock()
	if ok {
		return ctor(interceptor, id, onCollected)
	}

	f.mu.RLock()
	for _, ifn := range interfaces {
		if c, ok := f.byInterface[ifn]; ok {
			f.mu.RUnlock()
			return c(interceptor, id, onCollected)
		}
	}
	f.mu.RUnlock()

	return nil, nil, remoteerr.New(remoteerr.UnsupportedOperation,
		"proxy: no constructor registered for type %q or any of interfaces %v", typeName, interfaces)
}
