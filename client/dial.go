package client

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/dsmithson/goremoting/dispatch"
	"github.com/dsmithson/goremoting/handler"
	"github.com/dsmithson/goremoting/netutil"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/wire"
)

// Session is the client side of one peer relationship: an outbound
// Interceptor for calls to the server, plus (once OpenReverseChannel has
// been called) a listener serving the server's callbacks on the
// symmetric reverse connection described in 4.F.
type Session struct {
	Interceptor *Interceptor

	reg *registry.Registry
	h   *handler.Handler

	reverseListener *netutil.StoppableListener
	types           *dispatch.TypeRegistry
	log             *logrus.Entry
}

// Dial opens the primary outbound connection to addr, performs the
// Hello handshake, and starts the interceptor's receive loop. The
// returned Session makes calls via Session.Interceptor.
func Dial(addr string, reg *registry.Registry, codec wire.ValueCodec, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	link, err := wire.DialTCP(addr)
	if err != nil {
		return nil, err
	}
	peerID, err := wire.ExchangeHello(link, string(reg.Self()))
	if err != nil {
		link.Close()
		return nil, err
	}

	h := handler.New(reg, codec)
	it := New(link, h, registry.ProcessIdentifier(peerID), wire.ClientSeqStart, log)
	go it.Serve()

	return &Session{
		Interceptor: it,
		reg:         reg,
		h:           h,
		types:       dispatch.Default,
		log:         log,
	}, nil
}

// SetTypeRegistry overrides which dispatch.TypeRegistry serves
// CreateInstance requests the server sends back over the reverse
// channel (rare; most clients never receive those).
func (s *Session) SetTypeRegistry(t *dispatch.TypeRegistry) { s.types = t }

// OpenReverseChannel starts listening on localAddr for the server's
// callback connection, tells the server where to dial via an
// OpenReverseChannel request on the primary link, and serves whatever
// arrives with a dispatch.Worker bound to the same registry — so
// delegates and server-marshalled objects registered locally are
// reachable from the server's callback calls (4.F symmetric streams).
func (s *Session) OpenReverseChannel(localAddr string) error {
	ln, err := wire.ListenTCP(localAddr)
	if err != nil {
		return err
	}
	sl, err := netutil.New(ln)
	if err != nil {
		ln.Close()
		return err
	}
	s.reverseListener = sl

	host, portStr, err := net.SplitHostPort(sl.Addr().String())
	if err != nil {
		sl.TCPListener.Close()
		return err
	}
	var port int32
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		sl.TCPListener.Close()
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = localBindAddress(localAddr)
	}

	go s.acceptReverse()

	return s.Interceptor.OpenReverseChannel(host, port)
}

func (s *Session) acceptReverse() {
	for {
		conn, err := s.reverseListener.Accept()
		if err != nil {
			return
		}
		go s.serveReverse(conn)
	}
}

func (s *Session) serveReverse(conn net.Conn) {
	link := wire.NewLink(conn)
	peerID, err := wire.ExchangeHello(link, string(s.reg.Self()))
	if err != nil {
		link.Close()
		return
	}
	w := dispatch.NewWorker(link, s.reg, s.h, s.types, registry.ProcessIdentifier(peerID), s.Interceptor.Resolver(), s.log)
	if err := w.Serve(); err != nil {
		s.log.WithError(err).Debug("client: reverse channel worker exited")
	}
}

// Close shuts down both the primary link and (if opened) the reverse
// listener.
func (s *Session) Close() error {
	if s.reverseListener != nil {
		s.reverseListener.Stop()
	}
	return s.Interceptor.Close()
}

func localBindAddress(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	return host
}
