package broker

import (
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	egressQueueSize = 256
	writeWait       = 10 * time.Second
)

// SessionConn is the transport under one client session. The production
// implementation wraps a websocket; tests use an in-memory conn.
type SessionConn interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	// WriteClose sends a close control frame with the given status code.
	WriteClose(code int, reason string) error
	Close() error
}

type egressFrame struct {
	data   []byte
	binary bool
}

// ClientSession is one client connection attached to one broker. The
// broker owns registry membership; the entry layer shares the handle, so
// removal from the registry must never tear the session down mid-dispatch.
type ClientSession struct {
	id          string
	publicURI   *url.URL
	accessToken string

	userID        string
	userName      string
	readOnly      atomic.Bool
	documentOwner atomic.Bool
	attached      atomic.Bool
	viewLoaded    atomic.Bool
	closeFrame    atomic.Bool

	conn      SessionConn
	egress    chan egressFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func NewClientSession(id string, publicURI *url.URL, conn SessionConn) *ClientSession {
	s := &ClientSession{
		id:          id,
		publicURI:   publicURI,
		accessToken: publicURI.Query().Get("access_token"),
		conn:        conn,
		egress:      make(chan egressFrame, egressQueueSize),
		closed:      make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *ClientSession) ID() string          { return s.id }
func (s *ClientSession) PublicURI() *url.URL { return s.publicURI }
func (s *ClientSession) AccessToken() string { return s.accessToken }

func (s *ClientSession) UserID() string   { return s.userID }
func (s *ClientSession) UserName() string { return s.userName }
func (s *ClientSession) setUser(id, name string) {
	s.userID = id
	s.userName = name
}

func (s *ClientSession) IsReadOnly() bool { return s.readOnly.Load() }
func (s *ClientSession) SetReadOnly()     { s.readOnly.Store(true) }

func (s *ClientSession) IsDocumentOwner() bool     { return s.documentOwner.Load() }
func (s *ClientSession) setDocumentOwner(own bool) { s.documentOwner.Store(own) }

func (s *ClientSession) IsAttached() bool { return s.attached.Load() }
func (s *ClientSession) setAttached()     { s.attached.Store(true) }

func (s *ClientSession) IsViewLoaded() bool { return s.viewLoaded.Load() }
func (s *ClientSession) SetViewLoaded()     { s.viewLoaded.Store(true) }

// SetCloseFrame records that the client sent a websocket close frame;
// the broker removes such sessions once any pending save completes.
func (s *ClientSession) SetCloseFrame()     { s.closeFrame.Store(true) }
func (s *ClientSession) IsCloseFrame() bool { return s.closeFrame.Load() }

// SendTextFrame enqueues a text frame; drops it when the egress queue is
// full rather than blocking the broker loop.
func (s *ClientSession) SendTextFrame(msg string) {
	s.enqueue(egressFrame{data: []byte(msg)})
}

// SendBinaryFrame enqueues a binary frame (tile payloads).
func (s *ClientSession) SendBinaryFrame(data []byte) {
	s.enqueue(egressFrame{data: data, binary: true})
}

func (s *ClientSession) enqueue(frame egressFrame) {
	select {
	case <-s.closed:
	case s.egress <- frame:
	default:
		log.Printf("session %s: egress queue full, dropping frame", s.id)
	}
}

// Shutdown notifies the client and closes the transport. Reason travels
// in the close frame; code 1001 (going away) for broker-driven exits.
func (s *ClientSession) Shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.conn.WriteClose(code, reason); err != nil {
			log.Printf("session %s: close frame: %v", s.id, err)
		}
		_ = s.conn.Close()
	})
}

func (s *ClientSession) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.egress:
			var err error
			if frame.binary {
				err = s.conn.WriteBinary(frame.data)
			} else {
				err = s.conn.WriteText(frame.data)
			}
			if err != nil {
				log.Printf("session %s: write: %v", s.id, err)
				return
			}
		}
	}
}

// wsSessionConn adapts a gorilla websocket connection to SessionConn.
type wsSessionConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSSessionConn(conn *websocket.Conn) SessionConn {
	return &wsSessionConn{conn: conn}
}

func (c *wsSessionConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsSessionConn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *wsSessionConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsSessionConn) WriteClose(code int, reason string) error {
	return c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *wsSessionConn) Close() error {
	return c.conn.Close()
}
