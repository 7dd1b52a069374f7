package dispatch

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

type counter struct {
	n int
}

func (c *counter) RegisterSelf(r *registry.Registry) registry.Identifier {
	return registry.Register(r, c, registry.NoPeer)
}

func (c *counter) Dispatch(methodID string, args []any) ([]any, error) {
	switch methodID {
	case "Add":
		c.n += int(args[0].(int64))
		return []any{int64(c.n)}, nil
	default:
		return nil, nil
	}
}

func newPipeWorker(t *testing.T) (*wire.Link, *registry.Registry) {
	t.Helper()
	a, b := net.Pipe()
	reg := registry.New(noopFactory{}, nil)
	h := handler.New(reg, wire.DefaultCodec)
	types := NewTypeRegistry()
	types.Register("test.Counter", func() any { return &counter{} })

	w := NewWorker(wire.NewLink(a), reg, h, types, "peer-host:1.1", nil, nil)
	go w.Serve()
	t.Cleanup(func() { a.Close() })

	return wire.NewLink(b), reg
}

func TestCreateInstanceWithDefaultCtorReturnsNewProxy(t *testing.T) {
	link, _ := newPipeWorker(t)

	body := wire.NewBodyWriter()
	body.WriteString("test.Counter")
	if err := link.WriteFrame(wire.Header{Func: wire.CreateInstanceWithDefaultCtor, Seq: 1}, body.Bytes()); err != nil {
		t.Fatal(err)
	}

	hdr, replyBody, err := link.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Func != wire.MethodReply {
		t.Fatalf("expected MethodReply, got %v", hdr.Func)
	}
	r := wire.NewBodyReader(replyBody)
	n, _ := r.ReadInt32()
	if n != 1 {
		t.Fatalf("expected 1 result, got %d", n)
	}
	tag, err := r.ReadRefTag()
	if err != nil {
		t.Fatal(err)
	}
	if tag != wire.NewProxy {
		t.Fatalf("expected NewProxy tag, got %v", tag)
	}
}

func TestMethodCallInvokesDispatchable(t *testing.T) {
	link, reg := newPipeWorker(t)

	c := &counter{}
	id := registry.Register(reg, c, 0)

	body := wire.NewBodyWriter()
	body.WriteString(string(id))
	body.WriteString("Add")
	body.WriteInt32(0) // no generic args
	body.WriteInt32(1)
	h := handler.New(reg, wire.DefaultCodec)
	if err := h.EncodeArg(body, int64(5), registry.NoPeer); err != nil {
		t.Fatal(err)
	}
	if err := link.WriteFrame(wire.Header{Func: wire.MethodCall, Seq: 2}, body.Bytes()); err != nil {
		t.Fatal(err)
	}

	hdr, replyBody, err := link.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Func != wire.MethodReply {
		t.Fatalf("expected MethodReply, got %v", hdr.Func)
	}
	r := wire.NewBodyReader(replyBody)
	n, _ := r.ReadInt32()
	if n != 1 {
		t.Fatalf("expected 1 result, got %d", n)
	}
	got, err := h.DecodeArg(r, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.(int64) != 5 {
		t.Fatalf("expected 5, got %v", got)
	}
}

func TestMethodCallMissingTargetRepliesEmpty(t *testing.T) {
	link, _ := newPipeWorker(t)

	body := wire.NewBodyWriter()
	body.WriteString("peer-host:1.1/999")
	body.WriteString("Add")
	body.WriteInt32(0)
	body.WriteInt32(0)
	if err := link.WriteFrame(wire.Header{Func: wire.MethodCall, Seq: 3}, body.Bytes()); err != nil {
		t.Fatal(err)
	}

	hdr, replyBody, err := link.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Func != wire.MethodReply {
		t.Fatalf("expected MethodReply for a missing target, got %v", hdr.Func)
	}
	r := wire.NewBodyReader(replyBody)
	n, _ := r.ReadInt32()
	if n != 0 {
		t.Fatalf("expected zero results, got %d", n)
	}
}

func TestGcCleanupRemovesEntries(t *testing.T) {
	link, reg := newPipeWorker(t)
	c := &counter{}
	id := registry.Register(reg, c, 0)

	body := wire.NewBodyWriter()
	body.WriteInt32(1)
	body.WriteString(string(id))
	if err := link.WriteFrame(wire.Header{Func: wire.GcCleanup, Seq: 4}, body.Bytes()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := reg.Lookup(id); ok {
		t.Fatal("expected the entry to be removed after GcCleanup")
	}
}
