package wire

// RefTag is prepended to every argument that carries an object
// reference (4.A).
type RefTag byte

const (
	// NullPointer marks a nil reference; no further bytes follow.
	NullPointer RefTag = iota
	// SerializedItem marks an inline value; an opaque codec payload
	// follows.
	SerializedItem
	// NewProxy marks a reference the receiving peer has not seen
	// before; typeName, objectId and an interface-name list follow.
	NewProxy
	// RemoteReference marks a reference the peer already knows about;
	// only objectId follows.
	RemoteReference
	// InstanceOfSystemType marks a framework/system value carried
	// inline via the opaque codec but tagged distinctly so the
	// receiver does not attempt registry lookups on it.
	InstanceOfSystemType
	// ArrayOfSystemType marks an array of InstanceOfSystemType values.
	ArrayOfSystemType
	// MethodPointer marks a delegate: a target id and method
	// descriptor follow.
	MethodPointer
)

func (t RefTag) String() string {
	switch t {
	case NullPointer:
		return "NullPointer"
	case SerializedItem:
		return "SerializedItem"
	case NewProxy:
		return "NewProxy"
	case RemoteReference:
		return "RemoteReference"
	case InstanceOfSystemType:
		return "InstanceOfSystemType"
	case ArrayOfSystemType:
		return "ArrayOfSystemType"
	case MethodPointer:
		return "MethodPointer"
	default:
		return "RefTag(?)"
	}
}
