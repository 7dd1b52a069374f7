package server

import (
	"net"
	"testing"
	"time"

	"github.com/dsmithson/goremoting/client"
	"github.com/dsmithson/goremoting/dispatch"
	"github.com/dsmithson/goremoting/proxy"
	"github.com/dsmithson/goremoting/registry"
)

// counter is a tiny remotable type exercised end to end: server-side
// it satisfies registry.MarshalByReference + registry.Dispatchable,
// client-side its proxy forwards Add through the bound interceptor.
type counter struct{ n int64 }

func (c *counter) RegisterSelf(r *registry.Registry) registry.Identifier {
	return registry.Register(r, c, registry.NoPeer)
}

func (c *counter) Dispatch(methodID string, args []any) ([]any, error) {
	if methodID == "Add" {
		c.n += args[0].(int64)
		return []any{c.n}, nil
	}
	return nil, nil
}

type counterProxy struct {
	id          registry.Identifier
	interceptor registry.Interceptor
}

func (p *counterProxy) Add(v int64) (int64, error) {
	results, err := p.interceptor.Invoke("Add", nil, []any{v})
	if err != nil {
		return 0, err
	}
	return results[0].(int64), nil
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestCreateInstanceAndMethodCallEndToEnd(t *testing.T) {
	proxy.Default.Register("server.counter", func(interceptor registry.Interceptor, id registry.Identifier, onCollected func()) (any, registry.WeakRef, error) {
		p := &counterProxy{id: id, interceptor: interceptor}
		return p, registry.TrackCollectible(p, onCollected), nil
	})
	types := dispatch.NewTypeRegistry()
	types.Register("server.counter", func() any { return &counter{} })

	serverAddr := freePort(t)
	reg := registry.New(nil, nil)
	srv := New(reg, types, nil, nil)

	go func() {
		if err := srv.ListenAndServe(serverAddr); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	defer srv.Shutdown()
	time.Sleep(50 * time.Millisecond)

	clientReg := registry.New(proxy.Default, nil)
	sess, err := client.Dial(serverAddr, clientReg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	obj, err := sess.Interceptor.CreateInstance("server.counter", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cp, ok := obj.(*counterProxy)
	if !ok {
		t.Fatalf("expected *counterProxy, got %T", obj)
	}

	sum, err := cp.Add(4)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 4 {
		t.Fatalf("expected 4, got %d", sum)
	}
	sum, err = cp.Add(6)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 10 {
		t.Fatalf("expected 10, got %d", sum)
	}
}
