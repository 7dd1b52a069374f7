// Package server implements the server dispatcher's process-level
// concerns (4.F): accepting client connections, performing the Hello
// handshake, serving each with a dispatch.Worker, dialing back the
// reverse (callback) channel a client asks for, and broadcasting
// ServerShuttingDown during a graceful stop.
package server

import (
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dsmithson/goremoting/client"
	"github.com/dsmithson/goremoting/dispatch"
	"github.com/dsmithson/goremoting/handler"
	"github.com/dsmithson/goremoting/netutil"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/remoteerr"
	"github.com/dsmithson/goremoting/wire"
)

// Server listens on one TCP address and serves every connection with
// a dispatch.Worker against a shared Registry.
type Server struct {
	Registry *registry.Registry
	Types    *dispatch.TypeRegistry
	Codec    wire.ValueCodec

	log *logrus.Entry

	mu        sync.Mutex
	listener  *netutil.StoppableListener
	callbacks map[registry.ProcessIdentifier]*client.Interceptor
	wg        sync.WaitGroup

	// KillOnDisconnect mirrors the -kill-on-disconnect flag (§6): when
	// set, losing the last connected peer stops the server instead of
	// continuing to listen.
	KillOnDisconnect  bool
	onAllDisconnected func()
}

// OnAllDisconnected installs the hook run when KillOnDisconnect is set
// and the last connected peer drops.
func (s *Server) OnAllDisconnected(fn func()) { s.onAllDisconnected = fn }

// New builds a Server. reg should already have been constructed with
// a proxy.Factory wired as its registry.Factory.
func New(reg *registry.Registry, types *dispatch.TypeRegistry, codec wire.ValueCodec, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if types == nil {
		types = dispatch.Default
	}
	if codec == nil {
		codec = wire.DefaultCodec
	}
	return &Server{
		Registry:  reg,
		Types:     types,
		Codec:     codec,
		log:       log.WithField("component", "server"),
		callbacks: make(map[registry.ProcessIdentifier]*client.Interceptor),
	}
}

// ListenAndServe binds addr and blocks accepting connections until
// Shutdown is called or the listener errors.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := wire.ListenTCP(addr)
	if err != nil {
		return err
	}
	sl, err := netutil.New(ln)
	if err != nil {
		ln.Close()
		return err
	}
	s.mu.Lock()
	s.listener = sl
	s.mu.Unlock()

	for {
		conn, err := sl.Accept()
		if err != nil {
			s.wg.Wait()
			if err == netutil.ErrStopped {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	link := wire.NewLink(conn)
	peerID, err := wire.ExchangeHello(link, string(s.Registry.Self()))
	if err != nil {
		link.Close()
		return
	}
	peer := registry.ProcessIdentifier(peerID)
	s.log.Infof("server: accepted connection from %s", peer)

	h := handler.New(s.Registry, s.Codec)
	resolve := func(owner registry.ProcessIdentifier, target registry.Identifier) (registry.Interceptor, error) {
		return s.resolveInterceptor(owner, target)
	}

	w := dispatch.NewWorker(link, s.Registry, h, s.Types, peer, resolve, s.log)
	w.OnOpenReverseChannel(func(ipv4 string, port int32) error {
		return s.openReverseChannel(peer, ipv4, port, h)
	})
	w.OnShutdownRequested(func() {
		s.log.Infof("server: %s requested shutdown", peer)
		go s.Shutdown()
	})

	if err := w.Serve(); err != nil {
		s.log.WithError(err).Debugf("server: connection from %s closed", peer)
	}

	s.mu.Lock()
	delete(s.callbacks, peer)
	remaining := len(s.callbacks)
	s.mu.Unlock()
	if s.KillOnDisconnect && remaining == 0 {
		if s.onAllDisconnected != nil {
			s.onAllDisconnected()
		}
		go s.Shutdown()
	}
}

// openReverseChannel dials addr:port back to the requesting peer and
// keeps the resulting client.Interceptor so future MethodCalls whose
// target lives on that peer (i.e. server-originated callbacks) can be
// routed through it.
func (s *Server) openReverseChannel(peer registry.ProcessIdentifier, ipv4 string, port int32, h *handler.Handler) error {
	addr := net.JoinHostPort(ipv4, strconv.Itoa(int(port)))
	link, err := wire.DialTCP(addr)
	if err != nil {
		return err
	}
	gotPeerID, err := wire.ExchangeHello(link, string(s.Registry.Self()))
	if err != nil {
		link.Close()
		return err
	}
	it := client.New(link, h, registry.ProcessIdentifier(gotPeerID), wire.ServerSeqStart, s.log)
	go it.Serve()

	s.mu.Lock()
	s.callbacks[peer] = it
	s.mu.Unlock()
	return nil
}

func (s *Server) resolveInterceptor(owner registry.ProcessIdentifier, target registry.Identifier) (registry.Interceptor, error) {
	s.mu.Lock()
	it, ok := s.callbacks[owner]
	s.mu.Unlock()
	if !ok {
		return nil, remoteerr.New(remoteerr.UnsupportedOperation, "server: no reverse channel open to owner %s", owner)
	}
	return it.Bind(target), nil
}

// Shutdown stops accepting new connections, broadcasts
// ServerShuttingDown to every open reverse channel, drops every
// locally-held reference (PerformGC(dropAll=true)), and waits for all
// serving goroutines to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Stop()
	}
	callbacks := make([]*client.Interceptor, 0, len(s.callbacks))
	for _, it := range s.callbacks {
		callbacks = append(callbacks, it)
	}
	s.mu.Unlock()

	for _, it := range callbacks {
		if err := it.SendServerShuttingDown(); err != nil {
			s.log.WithError(err).Debug("server: failed to notify reverse channel of shutdown")
		}
		it.Close()
	}
	s.Registry.PerformGC(true)
	s.wg.Wait()
}
