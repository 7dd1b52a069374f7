// Package dispatch implements the request-serving half of the server
// dispatcher (4.F): given a link on which the other side originates
// requests, it resolves CreateInstance/MethodCall/GcCleanup/
// OpenReverseChannel/ShutdownServer frames against a Registry and
// writes back MethodReply/ExceptionReturn frames.
//
// A Worker has no opinion about which physical role hosts it: the
// server package runs one per accepted client connection, and the
// client package runs one on the connection it accepts back from a
// server's reverse (callback) channel (4.F: "every peer ends up with
// a symmetric pair of streams").
package dispatch

import (
	"sync"

	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
)

// Constructor builds a fresh, as-yet-unregistered remotable instance
// for CreateInstance(WithDefaultCtor).
type Constructor func() any

// Initializable is implemented by a remotable type that wants the
// constructor arguments CreateInstance carried (as opposed to
// CreateInstanceWithDefaultCtor, which carries none).
type Initializable interface {
	InitializeRemote(args []any) error
}

// TypeRegistry maps a type name (as carried on the wire) to a
// Constructor, the server-side mirror of proxy.Factory.
type TypeRegistry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ctors: make(map[string]Constructor)}
}

// Default is the process-wide TypeRegistry, mirroring proxy.Default.
var Default = NewTypeRegistry()

func (t *TypeRegistry) Register(typeName string, ctor Constructor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctors[typeName] = ctor
}

func (t *TypeRegistry) New(typeName string) (any, error) {
	t.mu.RLock()
	ctor, ok := t.ctors[typeName]
	t.mu.RUnlock()
	if !ok {
		return nil, remoteerr.New(remoteerr.UnsupportedOperation, "dispatch: no constructor registered for type %q", typeName)
	}
	return ctor(), nil
}

// asMarshalByReference is a tiny assertion helper shared by the
// CreateInstance handlers.
func asMarshalByReference(obj any) (registry.MarshalByReference, error) {
	mbr, ok := obj.(registry.MarshalByReference)
	if !ok {
		return nil, remoteerr.New(remoteerr.UnsupportedOperation, "dispatch: %T does not implement MarshalByReference", obj)
	}
	return mbr, nil
}
