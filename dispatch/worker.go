package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/dsmithson/goremoting/handler"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
	"github.com/dsmithson/goremoting/wire"
)

// Worker serves every request frame arriving on one link against a
// shared Registry, until the link closes.
type Worker struct {
	link  *wire.Link
	reg   *registry.Registry
	h     *handler.Handler
	types *TypeRegistry
	peer  registry.ProcessIdentifier

	resolve handler.InterceptorResolver

	onOpenReverseChannel func(ipv4 string, port int32) error
	onShutdownRequested  func()

	log *logrus.Entry
}

// NewWorker builds a Worker. resolve lets the worker materialise
// proxies/delegate adapters embedded in incoming arguments; types is
// consulted for CreateInstance(WithDefaultCtor).
func NewWorker(link *wire.Link, reg *registry.Registry, h *handler.Handler, types *TypeRegistry, peer registry.ProcessIdentifier, resolve handler.InterceptorResolver, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if types == nil {
		types = Default
	}
	return &Worker{
		link:    link,
		reg:     reg,
		h:       h,
		types:   types,
		peer:    peer,
		resolve: resolve,
		log:     log.WithField("component", "dispatch").WithField("peer", string(peer)),
	}
}

// OnOpenReverseChannel installs the callback invoked when the peer
// asks this process to dial back a reverse (callback) connection.
func (w *Worker) OnOpenReverseChannel(fn func(ipv4 string, port int32) error) {
	w.onOpenReverseChannel = fn
}

// OnShutdownRequested installs the callback invoked when the peer asks
// this process to begin a graceful shutdown (§6, ShutdownServer).
func (w *Worker) OnShutdownRequested(fn func()) { w.onShutdownRequested = fn }

func (w *Worker) peerIndex() registry.PeerIndex {
	idx, err := w.reg.PeerIndexFor(w.peer)
	if err != nil {
		return registry.NoPeer
	}
	return idx
}

// Serve reads and dispatches frames until the link errors or returns
// a nil error after a graceful ShutdownServer.
func (w *Worker) Serve() error {
	for {
		hdr, body, err := w.link.ReadFrame()
		if err != nil {
			return err
		}
		if done, err := w.dispatch(hdr, body); err != nil {
			w.log.WithError(err).Warn("dispatch: request handling failed")
		} else if done {
			return nil
		}
	}
}

func (w *Worker) dispatch(hdr wire.Header, body []byte) (done bool, err error) {
	switch hdr.Func {
	case wire.CreateInstanceWithDefaultCtor:
		return false, w.handleCreate(hdr, body, false)
	case wire.CreateInstance:
		return false, w.handleCreate(hdr, body, true)
	case wire.MethodCall:
		return false, w.handleMethodCall(hdr, body)
	case wire.OpenReverseChannel:
		return false, w.handleOpenReverseChannel(hdr, body)
	case wire.GcCleanup:
		return false, w.handleGcCleanup(hdr, body)
	case wire.ShutdownServer:
		if w.onShutdownRequested != nil {
			w.onShutdownRequested()
		}
		return true, nil
	default:
		return false, remoteerr.New(remoteerr.Protocol, "dispatch: unexpected request frame %v", hdr.Func)
	}
}

func (w *Worker) handleCreate(hdr wire.Header, body []byte, withCtorArgs bool) error {
	r := wire.NewBodyReader(body)
	typeName, err := r.ReadString()
	if err != nil {
		return err
	}

	var ctorArgs []any
	if withCtorArgs {
		n, err := r.ReadInt32()
		if err != nil {
			return err
		}
		for i := int32(0); i < n; i++ {
			v, err := w.h.DecodeArg(r, nil, w.resolve)
			if err != nil {
				return w.replyException(hdr.Seq, err)
			}
			ctorArgs = append(ctorArgs, v)
		}
	}

	obj, err := w.types.New(typeName)
	if err != nil {
		return w.replyException(hdr.Seq, err)
	}
	if init, ok := obj.(Initializable); ok {
		if err := init.InitializeRemote(ctorArgs); err != nil {
			return w.replyException(hdr.Seq, remoteerr.Wrap(remoteerr.RemoteException, err, "dispatch: initializing %s", typeName))
		}
	}
	if _, err := asMarshalByReference(obj); err != nil {
		return w.replyException(hdr.Seq, err)
	}

	return w.replyResults(hdr.Seq, []any{obj})
}

func (w *Worker) handleMethodCall(hdr wire.Header, body []byte) error {
	r := wire.NewBodyReader(body)
	idStr, err := r.ReadString()
	if err != nil {
		return err
	}
	id := registry.Identifier(idStr)

	methodID, err := r.ReadString()
	if err != nil {
		return err
	}

	nGeneric, err := r.ReadInt32()
	if err != nil {
		return err
	}
	generic := make([]string, nGeneric)
	for i := range generic {
		if generic[i], err = r.ReadString(); err != nil {
			return err
		}
	}
	_ = generic // open generics are out of scope; kept for wire symmetry

	nArgs, err := r.ReadInt32()
	if err != nil {
		return err
	}
	args := make([]any, nArgs)
	for i := range args {
		if args[i], err = w.h.DecodeArg(r, nil, w.resolve); err != nil {
			return w.replyException(hdr.Seq, err)
		}
	}

	obj, ok := w.reg.TryGet(id)
	if !ok {
		// 9.i: the target was already collected locally; reply with
		// zero results instead of surfacing InstanceNotFound, since a
		// collect/call race is expected rather than exceptional.
		return w.replyResults(hdr.Seq, nil)
	}

	target, ok := obj.(registry.Dispatchable)
	if !ok {
		return w.replyException(hdr.Seq, remoteerr.New(remoteerr.UnsupportedOperation,
			"dispatch: %s has no Dispatch forwarder for method %q", id, methodID))
	}

	results, err := target.Dispatch(methodID, args)
	if err != nil {
		return w.replyException(hdr.Seq, err)
	}
	return w.replyResults(hdr.Seq, results)
}

func (w *Worker) handleOpenReverseChannel(hdr wire.Header, body []byte) error {
	r := wire.NewBodyReader(body)
	ipv4, err := r.ReadString()
	if err != nil {
		return err
	}
	port, err := r.ReadInt32()
	if err != nil {
		return err
	}
	if w.onOpenReverseChannel != nil {
		if err := w.onOpenReverseChannel(ipv4, port); err != nil {
			return w.replyException(hdr.Seq, err)
		}
	}
	return w.replyResults(hdr.Seq, nil)
}

func (w *Worker) handleGcCleanup(hdr wire.Header, body []byte) error {
	r := wire.NewBodyReader(body)
	n, err := r.ReadInt32()
	if err != nil {
		return err
	}
	for i := int32(0); i < n; i++ {
		idStr, err := r.ReadString()
		if err != nil {
			return err
		}
		w.reg.Remove(registry.Identifier(idStr), w.peerIndex(), true)
	}
	return nil
}

func (w *Worker) replyResults(seq int32, results []any) error {
	body := wire.NewBodyWriter()
	body.WriteInt32(int32(len(results)))
	peer := w.peerIndex()
	for _, v := range results {
		if err := w.h.EncodeArg(body, v, peer); err != nil {
			return err
		}
	}
	return w.link.WriteFrame(wire.Header{Func: wire.MethodReply, Seq: seq}, body.Bytes())
}

func (w *Worker) replyException(seq int32, err error) error {
	typeName := "RemoteException"
	msg := err.Error()
	var payload []byte
	if re, ok := err.(*remoteerr.Error); ok {
		if re.RemoteType != "" {
			typeName = re.RemoteType
		} else {
			typeName = re.Kind.String()
		}
		payload = re.Payload
	}
	body := wire.NewBodyWriter()
	body.WriteString(typeName)
	body.WriteString(msg)
	body.WriteBytes(payload)
	return w.link.WriteFrame(wire.Header{Func: wire.ExceptionReturn, Seq: seq}, body.Bytes())
}
