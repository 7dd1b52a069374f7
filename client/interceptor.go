// Package client implements the client-side call interceptor (4.E):
// it turns a local method call on a proxy into a MethodCall frame and
// blocks the caller until the matching MethodReply/ExceptionReturn
// arrives, via a dedicated receiver goroutine that demultiplexes
// replies onto pending calls by sequence number.
//
// One Interceptor is bound to one wire.Link in the request-making
// direction: the real client uses one for its outbound connection, and
// the server uses one for the reverse (callback) connection it dials
// back to the client (4.F). Both directions share this type because
// the call-origination concerns are identical either way.
package client

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dsmithson/goremoting/handler"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
	"github.com/dsmithson/goremoting/wire"
)

// State names the per-call state machine from 4.E.
type State int32

const (
	Assigned State = iota
	Sent
	Awaiting
	Replied
	Faulted
	Cancelled
)

// TerminateMethodID is the well-known method whose LinkDown fault is
// swallowed instead of surfaced: a graceful shutdown races the
// teardown of the very call that requested it.
const TerminateMethodID = "RemotingServer.TerminateRemoteServerService"

type callContext struct {
	seq       int32
	state     atomic.Int32
	done      chan struct{}
	replyFunc wire.FunctionType
	body      []byte
	err       error
}

// Interceptor is the client-side call interceptor bound to one link.
type Interceptor struct {
	link *wire.Link
	h    *handler.Handler
	peer registry.ProcessIdentifier

	nextSeq atomic.Int32

	mu      sync.Mutex
	pending map[int32]*callContext

	ctx    context.Context
	cancel context.CancelCauseFunc

	allowRemoteToString bool
	onCallCompleted     func()
	peerResolver        handler.InterceptorResolver

	log *logrus.Entry
}

// New builds an Interceptor over link, talking to peer. seqBase should
// be wire.ClientSeqStart for the primary outbound connection and
// wire.ServerSeqStart for a reverse (callback) connection (4.A).
func New(link *wire.Link, h *handler.Handler, peer registry.ProcessIdentifier, seqBase int32, log *logrus.Entry) *Interceptor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	i := &Interceptor{
		link:    link,
		h:       h,
		peer:    peer,
		pending: make(map[int32]*callContext),
		ctx:     ctx,
		cancel:  cancel,
		log:     log.WithField("component", "client").WithField("peer", string(peer)),
	}
	i.nextSeq.Store(seqBase - 1)
	return i
}

// AllowRemoteToString opts this interceptor into actually remoting
// ToString calls rather than returning the local placeholder (9.ii).
func (i *Interceptor) AllowRemoteToString(v bool) { i.allowRemoteToString = v }

// OnCallCompleted installs a hook run after every completed call,
// giving the distributed-GC sweeper its "every N calls" trigger.
func (i *Interceptor) OnCallCompleted(fn func()) { i.onCallCompleted = fn }

// Peer is the process this interceptor talks to.
func (i *Interceptor) Peer() registry.ProcessIdentifier { return i.peer }

// Bind returns a registry.Interceptor whose Invoke calls always target
// id. Proxy constructors receive a Bind result, not the shared
// Interceptor directly, so many proxies to the same peer can share one
// link and one pending-call table.
func (i *Interceptor) Bind(target registry.Identifier) registry.Interceptor {
	return boundInterceptor{i: i, target: target}
}

type boundInterceptor struct {
	i      *Interceptor
	target registry.Identifier
}

func (b boundInterceptor) Invoke(methodID string, genericArgs []string, args []any) ([]any, error) {
	return b.i.invoke(b.target, methodID, genericArgs, args, nil)
}

// InvokeTyped is the same as Bind(target).Invoke, but additionally
// tells the decoder the expected reflect.Type of each return value so
// SerializedItem replies can be unmarshalled precisely. Hand-written
// proxy forwarders that know their own return types should prefer
// this over the plain registry.Interceptor passed to them.
func (i *Interceptor) InvokeTyped(target registry.Identifier, methodID string, genericArgs []string, args []any, returnTypes []reflect.Type) ([]any, error) {
	return i.invoke(target, methodID, genericArgs, args, returnTypes)
}

func (i *Interceptor) invoke(target registry.Identifier, methodID string, genericArgs []string, args []any, returnTypes []reflect.Type) ([]any, error) {
	if methodID == "Dispose" && len(args) == 1 {
		if finalizer, ok := args[0].(bool); ok && !finalizer {
			// Dispose(false) is the finalizer path; it always runs
			// locally and is never remoted (4.E).
			return nil, nil
		}
	}
	if methodID == "ToString" && !i.allowRemoteToString {
		return []any{"<remote proxy>"}, nil
	}

	cc, err := i.call(wire.MethodCall, methodID, func(body *wire.BodyWriter) error {
		body.WriteString(string(target))
		body.WriteString(methodID)
		body.WriteInt32(int32(len(genericArgs)))
		for _, g := range genericArgs {
			body.WriteString(g)
		}
		body.WriteInt32(int32(len(args)))
		for _, a := range args {
			if err := i.h.EncodeArg(body, a, registry.NoPeer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cc == nil {
		// TerminateMethodID swallowed a LinkDown; there is no reply.
		return nil, nil
	}
	return i.decodeReply(cc, returnTypes)
}

// call writes one request frame of kind fn and blocks until its reply
// arrives or the link goes down. methodID is only used to recognise
// TerminateMethodID so a shutdown race doesn't surface as an error.
func (i *Interceptor) call(fn wire.FunctionType, methodID string, writeBody func(*wire.BodyWriter) error) (*callContext, error) {
	select {
	case <-i.ctx.Done():
		if methodID == TerminateMethodID {
			return nil, nil
		}
		return nil, remoteerr.Wrap(remoteerr.LinkDown, context.Cause(i.ctx), "client: link to %s is down", i.peer)
	default:
	}

	seq := i.nextSeq.Add(1)
	cc := &callContext{seq: seq, done: make(chan struct{})}
	cc.state.Store(int32(Assigned))

	i.mu.Lock()
	i.pending[seq] = cc
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, seq)
		i.mu.Unlock()
		if i.onCallCompleted != nil {
			i.onCallCompleted()
		}
	}()

	body := wire.NewBodyWriter()
	if err := writeBody(body); err != nil {
		return nil, err
	}

	cc.state.Store(int32(Sent))
	if err := i.link.WriteFrame(wire.Header{Func: fn, Seq: seq}, body.Bytes()); err != nil {
		cc.state.Store(int32(Faulted))
		return nil, remoteerr.Wrap(remoteerr.LinkDown, err, "client: writing %v to %s", fn, i.peer)
	}
	cc.state.Store(int32(Awaiting))

	select {
	case <-cc.done:
	case <-i.ctx.Done():
		cc.state.Store(int32(Cancelled))
		if methodID == TerminateMethodID {
			return nil, nil
		}
		return nil, remoteerr.Wrap(remoteerr.LinkDown, context.Cause(i.ctx), "client: link to %s is down", i.peer)
	}

	if cc.err != nil {
		return nil, cc.err
	}
	return cc, nil
}

// CreateInstance asks the peer to construct typeName (via its default
// constructor when ctorArgs is nil, or passing ctorArgs through to an
// Initializable implementation otherwise) and returns the resulting
// proxy. returnType is only used if the reply carries an inline
// (SerializedItem) value; a NewProxy reply is materialised through the
// registry's Factory.
func (i *Interceptor) CreateInstance(typeName string, ctorArgs []any, returnType reflect.Type) (any, error) {
	fn := wire.CreateInstanceWithDefaultCtor
	if ctorArgs != nil {
		fn = wire.CreateInstance
	}
	cc, err := i.call(fn, "", func(body *wire.BodyWriter) error {
		body.WriteString(typeName)
		if ctorArgs != nil {
			body.WriteInt32(int32(len(ctorArgs)))
			for _, a := range ctorArgs {
				if err := i.h.EncodeArg(body, a, registry.NoPeer); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	results, err := i.decodeReply(cc, []reflect.Type{returnType})
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, remoteerr.New(remoteerr.Protocol, "client: CreateInstance reply carried %d results, want 1", len(results))
	}
	return results[0], nil
}

// OpenReverseChannel tells the peer where to dial back for callbacks,
// establishing the symmetric pair of streams described in 4.F.
func (i *Interceptor) OpenReverseChannel(ipv4 string, port int32) error {
	cc, err := i.call(wire.OpenReverseChannel, "", func(body *wire.BodyWriter) error {
		body.WriteString(ipv4)
		body.WriteInt32(port)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = i.decodeReply(cc, nil)
	return err
}

// SendGcCleanup notifies the peer that ids are no longer referenced
// here, so it can drop the corresponding registry entries. GcCleanup
// is fire-and-forget: the dispatcher on the other end never replies.
func (i *Interceptor) SendGcCleanup(ids []registry.Identifier) error {
	if len(ids) == 0 {
		return nil
	}
	body := wire.NewBodyWriter()
	body.WriteInt32(int32(len(ids)))
	for _, id := range ids {
		body.WriteString(string(id))
	}
	return i.link.WriteFrame(wire.Header{Func: wire.GcCleanup, Seq: i.nextSeq.Add(1)}, body.Bytes())
}

// SendShutdownServer asks the peer to begin a graceful shutdown; like
// GcCleanup it is fire-and-forget, since the dispatcher tears its
// connection down rather than replying.
func (i *Interceptor) SendShutdownServer() error {
	return i.link.WriteFrame(wire.Header{Func: wire.ShutdownServer, Seq: i.nextSeq.Add(1)}, nil)
}

// SendServerShuttingDown tells the peer on the other end of this link
// that the server is going away gracefully. Also fire-and-forget: the
// receiving Interceptor.Serve loop treats it as a clean cancellation
// reason rather than waiting on a reply.
func (i *Interceptor) SendServerShuttingDown() error {
	return i.link.WriteFrame(wire.Header{Func: wire.ServerShuttingDown, Seq: i.nextSeq.Add(1)}, nil)
}

func (i *Interceptor) decodeReply(cc *callContext, returnTypes []reflect.Type) ([]any, error) {
	r := wire.NewBodyReader(cc.body)

	switch cc.replyFunc {
	case wire.ExceptionReturn:
		typeName, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		msg, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return nil, remoteerr.Remote(typeName, msg, payload)

	case wire.MethodReply:
		n, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		results := make([]any, 0, n)
		for idx := int32(0); idx < n; idx++ {
			var want reflect.Type
			if returnTypes != nil && int(idx) < len(returnTypes) {
				want = returnTypes[idx]
			}
			v, err := i.h.DecodeArg(r, want, i.resolvePeerOnly)
			if err != nil {
				return nil, err
			}
			results = append(results, v)
		}
		return results, nil

	default:
		return nil, remoteerr.New(remoteerr.Protocol, "client: unexpected reply frame %v", cc.replyFunc)
	}
}

// resolvePeerOnly is the default InterceptorResolver for a two-party
// link: it can only route calls back to the single peer it already
// talks to. Resolving a proxy/delegate transitively introduced by a
// third party is out of scope (9, Non-goals) unless the caller
// installs a richer resolver via SetPeerResolver.
func (i *Interceptor) resolvePeerOnly(owner registry.ProcessIdentifier, target registry.Identifier) (registry.Interceptor, error) {
	if i.peerResolver != nil {
		return i.peerResolver(owner, target)
	}
	if owner == i.peer {
		return i.Bind(target), nil
	}
	return nil, remoteerr.New(remoteerr.UnsupportedOperation,
		"client: no route to third-party owner %s (only %s is reachable on this link)", owner, i.peer)
}

// SetPeerResolver overrides how owners other than this interceptor's
// direct peer are resolved, for hosts that manage more than one link.
// No package in this module installs one.
func (i *Interceptor) SetPeerResolver(fn handler.InterceptorResolver) { i.peerResolver = fn }

// Resolver exposes this interceptor's InterceptorResolver for reuse by
// a dispatch.Worker decoding incoming requests on the same link.
func (i *Interceptor) Resolver() handler.InterceptorResolver { return i.resolvePeerOnly }

// Serve runs the receive loop for this interceptor's link until the
// link closes or ctx is cancelled. It only ever reads reply-shaped
// frames (MethodReply, ExceptionReturn, ServerShuttingDown); request
// frames arrive on this peer's other, separately-handled connection
// direction (4.F).
func (i *Interceptor) Serve() error {
	defer i.cancel(remoteerr.LinkDownErr)
	for {
		hdr, body, err := i.link.ReadFrame()
		if err != nil {
			return remoteerr.Wrap(remoteerr.LinkDown, err, "client: reading from %s", i.peer)
		}
		switch hdr.Func {
		case wire.MethodReply, wire.ExceptionReturn:
			i.complete(hdr.Seq, hdr.Func, body, nil)
		case wire.ServerShuttingDown:
			i.cancel(remoteerr.New(remoteerr.LinkDown, "client: %s is shutting down", i.peer))
			return nil
		default:
			i.log.Warnf("client: ignoring unexpected frame %v from %s", hdr.Func, i.peer)
		}
	}
}

func (i *Interceptor) complete(seq int32, fn wire.FunctionType, body []byte, err error) {
	i.mu.Lock()
	cc, ok := i.pending[seq]
	i.mu.Unlock()
	if !ok {
		i.log.Warnf("client: reply for unknown sequence %d from %s", seq, i.peer)
		return
	}
	cc.replyFunc = fn
	cc.body = body
	cc.err = err
	cc.state.Store(int32(Replied))
	close(cc.done)
}

// Close tears down the link and fails every call still pending.
func (i *Interceptor) Close() error {
	i.cancel(remoteerr.LinkDownErr)
	return i.link.Close()
}
