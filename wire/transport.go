package wire

import "net"

// DialTCP opens a raw TCP transport to addr and wraps it in a Link.
// This is the default transport named in §6 ("Default TCP port
// configurable per deployment").
func DialTCP(addr string) (*Link, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLink(conn), nil
}

// ListenTCP starts listening for raw TCP transports on addr.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
