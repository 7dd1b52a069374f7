// Package wswire adapts a gorilla/websocket connection into an
// io.ReadWriteCloser so it can back a wire.Link exactly like a raw TCP
// socket does. It is the alternate transport named in SPEC_FULL's
// DOMAIN STACK: the teacher package (xiqingping-birpc/wetsock) framed
// JSON birpc.Message values directly over the websocket; here the
// websocket instead just carries this runtime's own binary frames, one
// wire.Link frame per websocket binary message.
package wswire

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const pingPeriod = 10 * time.Second

// Conn wraps *websocket.Conn so it satisfies io.ReadWriteCloser. Only
// one concurrent reader and one concurrent writer are allowed per the
// gorilla/websocket concurrency contract, mirrored here with the same
// readMu/writeMu split the teacher package uses.
type Conn struct {
	WS *websocket.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	readBuf []byte

	lastPong int64 // unix seconds, guarded by pongMu
	pongMu   sync.Mutex

	stopPing chan struct{}
	pingOnce sync.Once
}

// New wraps ws and starts the background ping/pong keepalive loop,
// matching the teacher's Serve-level ping/pong handling but scoped to
// the connection itself so wswire.Conn can be used as a drop-in
// io.ReadWriteCloser wherever wire.NewLink is called.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{WS: ws, stopPing: make(chan struct{})}
	c.lastPong = time.Now().Unix()
	ws.SetPingHandler(func(string) error {
		return c.writePong()
	})
	ws.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		c.lastPong = time.Now().Unix()
		c.pongMu.Unlock()
		return nil
	})
	go c.pingLoop()
	return c
}

func (c *Conn) writePong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WS.WriteMessage(websocket.PongMessage, nil)
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			c.pongMu.Lock()
			last := c.lastPong
			c.pongMu.Unlock()
			if last+int64(2*pingPeriod.Seconds()) < time.Now().Unix() {
				c.Close()
				return
			}
			c.writeMu.Lock()
			err := c.WS.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// Read satisfies io.Reader by draining one websocket binary message at
// a time into p, buffering any remainder for the next call.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		msgType, data, err := c.WS.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.readBuf = data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write satisfies io.Writer, sending p as a single websocket binary
// message. wire.Link already serialises writers with its own mutex, but
// wswire keeps its own lock too so a Conn is also safe to use directly.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.WS.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	c.pingOnce.Do(func() { close(c.stopPing) })
	return c.WS.Close()
}

var _ io.ReadWriteCloser = (*Conn)(nil)
