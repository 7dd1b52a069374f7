package proxy

import (
	"testing"

	"github.com/dsmithson/goremoting/registry"
)

type fakeInterceptor struct{}

func (fakeInterceptor) Invoke(string, []string, []any) ([]any, error) { return nil, nil }

type fakeProxy struct{ id registry.Identifier }

func TestNewProxyByTypeName(t *testing.T) {
	f := NewFactory()
	f.Register("pkg.Widget", func(interceptor registry.Interceptor, id registry.Identifier, onCollected func()) (any, registry.WeakRef, error) {
		p := &fakeProxy{id: id}
		return p, registry.TrackCollectible(p, onCollected), nil
	})

	obj, weak, err := f.NewProxy("pkg.Widget", "host:1.1/3", nil, fakeInterceptor{}, func() {})
	if err != nil {
		t.Fatal(err)
	}
	if obj.(*fakeProxy).id != "host:1.1/3" {
		t.Fatalf("unexpected id on proxy: %v", obj)
	}
	if _, alive := weak.Value(); !alive {
		t.Fatal("expected the fresh proxy to still be alive")
	}
}

func TestNewProxyByInterfaceFallback(t *testing.T) {
	f := NewFactory()
	f.RegisterInterface("pkg.Widgeter", func(interceptor registry.Interceptor, id registry.Identifier, onCollected func()) (any, registry.WeakRef, error) {
		p := &fakeProxy{id: id}
		return p, registry.TrackCollectible(p, onCollected), nil
	})

	obj, _, err := f.NewProxy("pkg.UnknownConcreteType", "host:1.1/4", []string{"pkg.Widgeter"}, fakeInterceptor{}, func() {})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := obj.(*fakeProxy); !ok {
		t.Fatalf("expected fallback to the interface constructor, got %T", obj)
	}
}

func TestNewProxyUnresolvable(t *testing.T) {
	f := NewFactory()
	if _, _, err := f.NewProxy("pkg.Nope", "host:1.1/5", nil, fakeInterceptor{}, func() {}); err == nil {
		t.Fatal("expected an error for an unresolvable type")
	}
}
