package wire

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ValueCodec is the pluggable opaque codec referenced throughout §4:
// "invoke the opaque codec" for SerializedItem payloads. The envelope
// and reference encoding are fixed by this package; the byte-for-byte
// encoding of primitive/serialisable values is not.
type ValueCodec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// MsgpackCodec is the default ValueCodec: schema-free and binary,
// matching §6's "interchange-neutral binary codec agreed by both
// ends" requirement.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// DefaultCodec is the ValueCodec used when none is configured
// explicitly.
var DefaultCodec ValueCodec = MsgpackCodec{}
