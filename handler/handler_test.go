package handler

import (
	"reflect"
	"testing"

	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/wire"
)

type echoInterceptor struct {
	invoked []string
}

func (e *echoInterceptor) Invoke(methodID string, generic []string, args []any) ([]any, error) {
	e.invoked = append(e.invoked, methodID)
	return []any{"ok"}, nil
}

type stubProxy struct{}

type stubFactory struct{}

func (stubFactory) NewProxy(typeName string, id registry.Identifier, interfaces []string, interceptor registry.Interceptor, onCollected func()) (any, registry.WeakRef, error) {
	p := &stubProxy{}
	return p, registry.NewWeakRef(p), nil
}

type thing struct {
	Name string
}

func (t *thing) RegisterSelf(r *registry.Registry) registry.Identifier {
	return registry.Register(r, t, registry.NoPeer)
}

func newTestHandler() (*Handler, *registry.Registry) {
	reg := registry.New(stubFactory{}, nil)
	return New(reg, wire.DefaultCodec), reg
}

func TestEncodeDecodeSerializedValue(t *testing.T) {
	h, _ := newTestHandler()
	w := wire.NewBodyWriter()
	if err := h.EncodeArg(w, 42, registry.NoPeer); err != nil {
		t.Fatal(err)
	}

	r := wire.NewBodyReader(w.Bytes())
	got, err := h.DecodeArg(r, reflect.TypeOf(int(0)), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.(int) != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestEncodeDecodeNull(t *testing.T) {
	h, _ := newTestHandler()
	w := wire.NewBodyWriter()
	if err := h.EncodeArg(w, nil, registry.NoPeer); err != nil {
		t.Fatal(err)
	}
	r := wire.NewBodyReader(w.Bytes())
	got, err := h.DecodeArg(r, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestEncodeMarshalByReferenceFirstTimeIsNewProxy(t *testing.T) {
	h, reg := newTestHandler()
	obj := &thing{Name: "a"}

	w := wire.NewBodyWriter()
	if err := h.EncodeArg(w, obj, 0); err != nil {
		t.Fatal(err)
	}
	r := wire.NewBodyReader(w.Bytes())
	tag, err := r.ReadRefTag()
	if err != nil {
		t.Fatal(err)
	}
	if tag != wire.NewProxy {
		t.Fatalf("expected NewProxy tag, got %v", tag)
	}

	// Second send to the same peer should be a RemoteReference.
	w2 := wire.NewBodyWriter()
	if err := h.EncodeArg(w2, obj, 0); err != nil {
		t.Fatal(err)
	}
	r2 := wire.NewBodyReader(w2.Bytes())
	tag2, err := r2.ReadRefTag()
	if err != nil {
		t.Fatal(err)
	}
	if tag2 != wire.RemoteReference {
		t.Fatalf("expected RemoteReference tag on second send, got %v", tag2)
	}

	id, _, ok := registry.TryGetID(reg, obj)
	if !ok {
		t.Fatal("expected object registered")
	}
	if string(id) == "" {
		t.Fatal("expected a non-empty identifier")
	}
}

func TestDecodeNewProxyMaterialises(t *testing.T) {
	h, _ := newTestHandler()
	w := wire.NewBodyWriter()
	w.WriteRefTag(wire.NewProxy)
	w.WriteString("remote.Widget")
	w.WriteString("otherhost:1.1/5")
	w.WriteInt32(0)

	r := wire.NewBodyReader(w.Bytes())
	resolve := func(owner registry.ProcessIdentifier, target registry.Identifier) (registry.Interceptor, error) {
		return &echoInterceptor{}, nil
	}
	got, err := h.DecodeArg(r, nil, resolve)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(*stubProxy); !ok {
		t.Fatalf("expected a *stubProxy, got %T", got)
	}
}

func TestDelegateRoundTripLocal(t *testing.T) {
	h, _ := newTestHandler()
	target := &thing{Name: "cb"}
	called := false
	d := NewDelegate("Thing.OnEvent", target, func(args []any) ([]any, error) {
		called = true
		return nil, nil
	})

	w := wire.NewBodyWriter()
	if err := h.EncodeArg(w, d, registry.NoPeer); err != nil {
		t.Fatal(err)
	}

	r := wire.NewBodyReader(w.Bytes())
	got, err := h.DecodeArg(r, nil, func(registry.ProcessIdentifier, registry.Identifier) (registry.Interceptor, error) {
		t.Fatal("should not need a remote interceptor for a local delegate")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	adapter, ok := got.(DelegateAdapter)
	if !ok {
		t.Fatalf("expected DelegateAdapter, got %T", got)
	}
	if _, err := adapter(nil); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected the original callback to run")
	}
}

func TestDelegateDeterministicID(t *testing.T) {
	target := &thing{}
	d1 := NewDelegate("Thing.OnEvent", target, func([]any) ([]any, error) { return nil, nil })
	d2 := NewDelegate("Thing.OnEvent", target, func([]any) ([]any, error) { return nil, nil })
	if d1.hash != d2.hash {
		t.Fatalf("expected same hash for same method+target, got %s vs %s", d1.hash, d2.hash)
	}
}
