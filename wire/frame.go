// Package wire implements the binary framing used on every link: a
// fixed call header, length-prefixed UTF-16LE strings, little-endian
// integers and the reference-type tags that mark up object arguments.
//
// The codec itself is deliberately low-level; handler builds the
// higher-level argument envelopes (4.C) out of the primitives here.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// FunctionType is the call-header discriminator (4.A).
type FunctionType uint32

const (
	CreateInstanceWithDefaultCtor FunctionType = iota
	CreateInstance
	MethodCall
	MethodReply
	ExceptionReturn
	OpenReverseChannel
	GcCleanup
	ShutdownServer
	ServerShuttingDown
	Hello
)

func (f FunctionType) String() string {
	switch f {
	case CreateInstanceWithDefaultCtor:
		return "CreateInstanceWithDefaultCtor"
	case CreateInstance:
		return "CreateInstance"
	case MethodCall:
		return "MethodCall"
	case MethodReply:
		return "MethodReply"
	case ExceptionReturn:
		return "ExceptionReturn"
	case OpenReverseChannel:
		return "OpenReverseChannel"
	case GcCleanup:
		return "GcCleanup"
	case ShutdownServer:
		return "ShutdownServer"
	case ServerShuttingDown:
		return "ServerShuttingDown"
	case Hello:
		return "Hello"
	default:
		return fmt.Sprintf("FunctionType(%d)", uint32(f))
	}
}

// ClientSeqStart and ServerSeqStart are the sequence ranges client- and
// server-originated calls are drawn from, so a single stream never
// confuses a request with a callback (4.A).
const (
	ClientSeqStart = 1
	ServerSeqStart = 10000
)

// Header is the 8-byte call header that begins every frame.
type Header struct {
	Func FunctionType
	Seq  int32
}

const headerSize = 4 + 4
const maxFrameBody = 256 << 20 // refuse to allocate more than 256MiB for one frame

// largeBodyThreshold is the point past which Link writes the header and
// body as two separate writes under the lock instead of copying both
// into one buffer first (4.A: "senders with bodies too large to buffer
// hold the lock across the whole write").
const largeBodyThreshold = 64 * 1024

// Link is a framed, full-duplex connection: one writer mutex guards
// concurrent senders, one reader is used single-threaded by the owner
// (a receiver or worker goroutine), matching the concurrency model in
// §5 ("one writer mutex per direction; readers are single-threaded by
// construction").
type Link struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	writeMu sync.Mutex
}

// NewLink wraps rwc (typically a net.Conn) in the framing protocol.
func NewLink(rwc io.ReadWriteCloser) *Link {
	return &Link{rwc: rwc, r: bufio.NewReaderSize(rwc, 32*1024)}
}

// WriteFrame sends header and body atomically with respect to other
// writers on this link.
func (l *Link) WriteFrame(h Header, body []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if len(body) <= largeBodyThreshold {
		buf := make([]byte, headerSize+4+len(body))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Func))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Seq))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(body)))
		copy(buf[12:], body)
		_, err := l.rwc.Write(buf)
		return err
	}

	var hdr [headerSize + 4]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(h.Func))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(h.Seq))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(body)))
	if _, err := l.rwc.Write(hdr[:]); err != nil {
		return err
	}
	_, err := l.rwc.Write(body)
	return err
}

// ReadFrame blocks until a full frame has been read. Only the owning
// goroutine may call ReadFrame on a given Link.
func (l *Link) ReadFrame() (Header, []byte, error) {
	var hdr [headerSize + 4]byte
	if _, err := io.ReadFull(l.r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Func: FunctionType(binary.LittleEndian.Uint32(hdr[0:4])),
		Seq:  int32(binary.LittleEndian.Uint32(hdr[4:8])),
	}
	bodyLen := binary.LittleEndian.Uint32(hdr[8:12])
	if bodyLen > maxFrameBody {
		return Header{}, nil, fmt.Errorf("wire: frame body too large (%d bytes)", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(l.r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.rwc.Close()
}
