// Package handler implements the message handler (4.C): it encodes
// one argument at a time into the wire envelope described in §4.A,
// turning real marshal-by-reference objects into references and
// references back into proxies, and hands everything else to the
// opaque value codec.
package handler

import (
	"reflect"

	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
	"github.com/dsmithson/goremoting/wire"
)

// InterceptorResolver resolves the Interceptor that routes calls back
// to the process that owns a given remote identifier — the client
// interceptor for the originating link when decoding a NewProxy/
// RemoteReference tag.
type InterceptorResolver func(owner registry.ProcessIdentifier, target registry.Identifier) (registry.Interceptor, error)

// Handler is the (de/en)coder for one side of a link: it knows which
// Registry to consult and which opaque ValueCodec to use for inline
// values.
type Handler struct {
	Registry *registry.Registry
	Codec    wire.ValueCodec
}

// New builds a Handler using the default msgpack ValueCodec unless one
// is supplied.
func New(reg *registry.Registry, codec wire.ValueCodec) *Handler {
	if codec == nil {
		codec = wire.DefaultCodec
	}
	return &Handler{Registry: reg, Codec: codec}
}

// EncodeArg writes one argument into w, tagged per §4.A. peer
// identifies which remote peer this frame is being sent to, so the
// handler can decide NewProxy (first time this peer sees the
// reference) vs RemoteReference (peer already knows it). With NoPeer the
// handler cannot tell what the receiver knows, so it always writes
// NewProxy.
func (h *Handler) EncodeArg(w *wire.BodyWriter, arg any, peer registry.PeerIndex) error {
	if arg == nil || isNilPointer(arg) {
		w.WriteRefTag(wire.NullPointer)
		return nil
	}

	if d, ok := arg.(*delegateTarget); ok {
		return h.encodeDelegate(w, d, peer)
	}

	if mbr, ok := arg.(registry.MarshalByReference); ok {
		id := mbr.RegisterSelf(h.Registry)
		isNew := h.Registry.MarkSentTo(id, peer) || peer == registry.NoPeer
		if isNew {
			w.WriteRefTag(wire.NewProxy)
			w.WriteString(typeName(arg))
			w.WriteString(string(id))
			var ifaces []string
			if hinter, ok := arg.(registry.InterfaceHinter); ok {
				ifaces = hinter.RemotingInterfaces()
			}
			w.WriteInt32(int32(len(ifaces)))
			for _, ifn := range ifaces {
				w.WriteString(ifn)
			}
			return nil
		}
		w.WriteRefTag(wire.RemoteReference)
		w.WriteString(string(id))
		return nil
	}

	payload, err := h.Codec.Marshal(arg)
	if err != nil {
		return remoteerr.Wrap(remoteerr.UnsupportedOperation, err, "handler: marshalling argument of type %T", arg)
	}
	w.WriteRefTag(wire.SerializedItem)
	w.WriteBytes(payload)
	return nil
}

// DecodeArg reads one argument written by EncodeArg. resolve is
// consulted when the tag is NewProxy/RemoteReference/MethodPointer and
// a proxy or delegate adapter needs to be materialised or looked up.
// target, if non-nil, is the reflect.Type the caller wants the decoded
// value coerced to (used for SerializedItem values, since msgpack
// needs a concrete destination).
func (h *Handler) DecodeArg(r *wire.BodyReader, target reflect.Type, resolve InterceptorResolver) (any, error) {
	tag, err := r.ReadRefTag()
	if err != nil {
		return nil, remoteerr.Wrap(remoteerr.Protocol, err, "handler: reading reference tag")
	}

	switch tag {
	case wire.NullPointer:
		return nil, nil

	case wire.SerializedItem, wire.InstanceOfSystemType, wire.ArrayOfSystemType:
		payload, err := r.ReadBytes()
		if err != nil {
			return nil, remoteerr.Wrap(remoteerr.Protocol, err, "handler: reading serialized payload")
		}
		return h.decodeValue(payload, target)

	case wire.NewProxy:
		typeName, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		idStr, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		n, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		ifaces := make([]string, 0, n)
		for i := int32(0); i < n; i++ {
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			ifaces = append(ifaces, s)
		}
		return h.materialiseProxy(typeName, registry.Identifier(idStr), ifaces, resolve)

	case wire.RemoteReference:
		idStr, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		id := registry.Identifier(idStr)
		if obj, ok := h.Registry.TryGet(id); ok {
			return obj, nil
		}
		// Peer referenced an id we've never seen typed information
		// for; treat like a fresh NewProxy with no type hint.
		return h.materialiseProxy("", id, nil, resolve)

	case wire.MethodPointer:
		return h.decodeDelegate(r, resolve)

	default:
		return nil, remoteerr.New(remoteerr.Protocol, "handler: unknown reference tag %v", tag)
	}
}

func (h *Handler) materialiseProxy(typeName string, id registry.Identifier, ifaces []string, resolve InterceptorResolver) (any, error) {
	owner := ownerOf(id)
	interceptor, err := resolve(owner, id)
	if err != nil {
		return nil, remoteerr.Wrap(remoteerr.UnsupportedOperation, err, "handler: resolving interceptor for owner %s", owner)
	}
	return h.Registry.CreateOrGetProxy(typeName, id, ifaces, interceptor)
}

func (h *Handler) decodeValue(payload []byte, target reflect.Type) (any, error) {
	if target == nil {
		var v any
		if err := h.Codec.Unmarshal(payload, &v); err != nil {
			return nil, remoteerr.Wrap(remoteerr.Protocol, err, "handler: unmarshalling argument")
		}
		return v, nil
	}
	ptr := reflect.New(target)
	if err := h.Codec.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, remoteerr.Wrap(remoteerr.Protocol, err, "handler: unmarshalling argument into %s", target)
	}
	return ptr.Elem().Interface(), nil
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

func ownerOf(id registry.Identifier) registry.ProcessIdentifier {
	s := string(id)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return registry.ProcessIdentifier(s[:i])
		}
	}
	return registry.ProcessIdentifier(s)
}
