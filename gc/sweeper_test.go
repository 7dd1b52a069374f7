package gc

import (
	"net"
	"testing"
	"time"

	"github.com/dsmithson/goremoting/client"
	"github.com/dsmithson/goremoting/handler"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/wire"
)

type noopFactory struct{}

func (noopFactory) NewProxy(string, registry.Identifier, []string, registry.Interceptor, func()) (any, registry.WeakRef, error) {
	return nil, nil, nil
}

type widget struct{}

func (w *widget) RegisterSelf(r *registry.Registry) registry.Identifier {
	return registry.Register(r, w, 0)
}

func TestSweepNotifiesPeerOfCollectedIDs(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := registry.New(noopFactory{}, nil)
	h := handler.New(reg, wire.DefaultCodec)
	it := client.New(wire.NewLink(a), h, "peer-host:1.1", wire.ClientSeqStart, nil)
	go it.Serve()
	defer it.Close()

	w := &widget{}
	id := w.RegisterSelf(reg)

	sweeper := New(reg, it, 1000, time.Hour, nil)

	gotFrame := make(chan wire.Header, 1)
	gotBody := make(chan []byte, 1)
	go func() {
		link := wire.NewLink(b)
		hdr, body, err := link.ReadFrame()
		if err != nil {
			return
		}
		gotFrame <- hdr
		gotBody <- body
	}()

	sweeper.Sweep(true)

	select {
	case hdr := <-gotFrame:
		if hdr.Func != wire.GcCleanup {
			t.Fatalf("expected GcCleanup, got %v", hdr.Func)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GcCleanup frame")
	}

	body := <-gotBody
	r := wire.NewBodyReader(body)
	n, _ := r.ReadInt32()
	if n != 1 {
		t.Fatalf("expected 1 collected id, got %d", n)
	}
	gotID, _ := r.ReadString()
	if gotID != string(id) {
		t.Fatalf("expected %s, got %s", id, gotID)
	}
}

func TestCallIntervalTriggersSweep(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := registry.New(noopFactory{}, nil)
	h := handler.New(reg, wire.DefaultCodec)
	it := client.New(wire.NewLink(a), h, "peer-host:1.1", wire.ClientSeqStart, nil)
	go it.Serve()
	defer it.Close()

	// A remote entry whose proxy is already gone (noopFactory returns no
	// object), so a non-dropAll sweep has something to report.
	if _, err := reg.CreateOrGetProxy("widget", "peer-host:1.1/7", nil, nil); err != nil {
		t.Fatal(err)
	}

	sweeper := New(reg, it, 1, time.Hour, nil)
	sweeper.Start()
	defer sweeper.Stop()

	link := wire.NewLink(b)
	nextFrame := make(chan wire.Header, 2)
	go func() {
		for i := 0; i < 2; i++ {
			hdr, body, err := link.ReadFrame()
			if err != nil {
				return
			}
			if hdr.Func == wire.MethodCall {
				reply := wire.NewBodyWriter()
				reply.WriteInt32(0)
				link.WriteFrame(wire.Header{Func: wire.MethodReply, Seq: hdr.Seq}, reply.Bytes())
			}
			_ = body
			nextFrame <- hdr
		}
	}()

	// A completed MethodCall trips the every-1-call sweep threshold,
	// which should show up as a GcCleanup frame right behind it.
	if _, err := it.Bind("peer-host:1.1/999").Invoke("Greet", nil, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case hdr := <-nextFrame:
		if hdr.Func != wire.MethodCall {
			t.Fatalf("expected the MethodCall first, got %v", hdr.Func)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MethodCall")
	}
	select {
	case hdr := <-nextFrame:
		if hdr.Func != wire.GcCleanup {
			t.Fatalf("expected a GcCleanup sweep after the call, got %v", hdr.Func)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the triggered sweep")
	}
}
