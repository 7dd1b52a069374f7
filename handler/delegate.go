package handler

import (
	"fmt"
	"hash/fnv"

	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
	"github.com/dsmithson/goremoting/wire"
)

// DelegateFunc is a local callback wrapped for transmission as a
// MethodPointer argument — the Go analogue of a delegate/event
// handler.
type DelegateFunc func(args []any) ([]any, error)

// DelegateAdapter is what a decoded MethodPointer argument becomes on
// the receiving side: a local callable that forwards the invocation to
// the remote (or, if it turns out to be a reference back to one of our
// own delegates, the original local) target.
type DelegateAdapter func(args []any) ([]any, error)

// delegateTarget is the local wrapper produced by NewDelegate. It
// implements registry.MarshalByReference via RegisterSelf, so the
// generic handler machinery can treat it like any other remotable
// value except for its wire shape (MethodPointer, not NewProxy).
type delegateTarget struct {
	hash             string
	methodDescriptor string
	fn               DelegateFunc
}

// NewDelegate wraps fn so it can be passed as an argument to a remote
// call. methodDescriptor and target together determine the
// deterministic delegate-target identifier (§4.C): calling NewDelegate
// twice with the same method and target yields wrappers that register
// under the same wire id, so a remote add/remove pair matches up.
func NewDelegate(methodDescriptor string, target any, fn DelegateFunc) *delegateTarget {
	h := fnv.New64a()
	h.Write([]byte(methodDescriptor))
	fmt.Fprintf(h, "%p", target)
	return &delegateTarget{
		hash:             fmt.Sprintf("%x", h.Sum64()),
		methodDescriptor: methodDescriptor,
		fn:               fn,
	}
}

func (d *delegateTarget) RegisterSelf(r *registry.Registry) registry.Identifier {
	id := registry.Identifier(fmt.Sprintf("%s/delegate-%s", r.Self(), d.hash))
	return registry.RegisterAt(r, id, d, registry.NoPeer)
}

func (h *Handler) encodeDelegate(w *wire.BodyWriter, d *delegateTarget, peer registry.PeerIndex) error {
	id := d.RegisterSelf(h.Registry)
	h.Registry.MarkSentTo(id, peer)
	w.WriteRefTag(wire.MethodPointer)
	w.WriteString(string(id))
	w.WriteString(d.methodDescriptor)
	return nil
}

func (h *Handler) decodeDelegate(r *wire.BodyReader, resolve InterceptorResolver) (any, error) {
	idStr, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	methodDescriptor, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	id := registry.Identifier(idStr)

	// No double-proxying: if this delegate target actually lives in
	// our own process (it round-tripped through a peer and came back),
	// invoke the original callback directly instead of looping back
	// out over the network.
	if id.IsLocal(h.Registry.Self()) {
		if obj, ok := h.Registry.TryGet(id); ok {
			if dt, ok := obj.(*delegateTarget); ok {
				return DelegateAdapter(dt.fn), nil
			}
		}
	}

	owner := ownerOf(id)
	interceptor, err := resolve(owner, id)
	if err != nil {
		return nil, remoteerr.Wrap(remoteerr.UnsupportedOperation, err, "handler: resolving delegate owner %s", owner)
	}
	return DelegateAdapter(func(args []any) ([]any, error) {
		return interceptor.Invoke(methodDescriptor, nil, args)
	}), nil
}
