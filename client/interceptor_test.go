package client

import (
	"net"
	"testing"
	"time"

	"github.com/dsmithson/goremoting/handler"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/wire"
)

type noopFactory struct{}

func (noopFactory) NewProxy(string, registry.Identifier, []string, registry.Interceptor, func()) (any, registry.WeakRef, error) {
	return nil, nil, nil
}

func newPipeInterceptor(t *testing.T) (*Interceptor, *wire.Link) {
	t.Helper()
	a, b := net.Pipe()
	reg := registry.New(noopFactory{}, nil)
	h := handler.New(reg, wire.DefaultCodec)
	i := New(wire.NewLink(a), h, "peer-host:1.1", wire.ClientSeqStart, nil)
	go i.Serve()
	t.Cleanup(func() { i.Close() })
	return i, wire.NewLink(b)
}

func TestInvokeRoundTripSuccess(t *testing.T) {
	i, peer := newPipeInterceptor(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr, body, err := peer.ReadFrame()
		if err != nil {
			t.Error(err)
			return
		}
		if hdr.Func != wire.MethodCall {
			t.Errorf("expected MethodCall, got %v", hdr.Func)
			return
		}
		r := wire.NewBodyReader(body)
		target, _ := r.ReadString()
		if target != "peer-host:1.1/3" {
			t.Errorf("unexpected target id: %s", target)
		}

		reply := wire.NewBodyWriter()
		reply.WriteInt32(1)
		if err := (&handler.Handler{Registry: registry.New(noopFactory{}, nil), Codec: wire.DefaultCodec}).EncodeArg(reply, "ok", registry.NoPeer); err != nil {
			t.Error(err)
			return
		}
		if err := peer.WriteFrame(wire.Header{Func: wire.MethodReply, Seq: hdr.Seq}, reply.Bytes()); err != nil {
			t.Error(err)
		}
	}()

	bound := i.Bind("peer-host:1.1/3")
	results, err := bound.Invoke("Greet", nil, []any{"world"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0] != "ok" {
		t.Fatalf("unexpected results: %v", results)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server goroutine")
	}
}

func TestInvokeDisposeFalseIsLocalNoOp(t *testing.T) {
	i, _ := newPipeInterceptor(t)
	bound := i.Bind("peer-host:1.1/4")
	results, err := bound.Invoke("Dispose", nil, []any{false})
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Fatalf("expected no results for a local Dispose(false), got %v", results)
	}
}

func TestInvokeToStringShortCircuits(t *testing.T) {
	i, _ := newPipeInterceptor(t)
	bound := i.Bind("peer-host:1.1/5")
	results, err := bound.Invoke("ToString", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0] != "<remote proxy>" {
		t.Fatalf("expected placeholder ToString, got %v", results)
	}
}

func TestInvokeFailsAfterClose(t *testing.T) {
	i, _ := newPipeInterceptor(t)
	i.Close()
	bound := i.Bind("peer-host:1.1/6")
	if _, err := bound.Invoke("Greet", nil, nil); err == nil {
		t.Fatal("expected an error invoking on a closed link")
	}
}
