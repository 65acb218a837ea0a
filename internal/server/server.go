// Package server is the thin HTTP/websocket entry layer: it upgrades
// client and kit sockets and hands them to the broker manager. The
// coordination logic itself lives in internal/broker.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"quill/server/internal/broker"
	"quill/server/internal/proto"
	"quill/server/internal/tile"
	"quill/server/internal/util"
)

const kitHandoverTimeout = 2 * time.Second

type Server struct {
	manager  *broker.Manager
	upgrader websocket.Upgrader
	kits     chan broker.ChildProcess
}

// New builds the acceptor. The manager is attached afterwards: it needs
// the server's kit pool as its child factory.
func New() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Document embedding hosts are checked at the WOPI layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		kits: make(chan broker.ChildProcess, 64),
	}
}

func (s *Server) AttachManager(m *broker.Manager) { s.manager = m }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/kit", s.handleKit)
	mux.HandleFunc("/ws/", s.handleClient)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// ChildFactory hands pre-connected kits to brokers.
func (s *Server) ChildFactory() (broker.ChildProcess, error) {
	select {
	case kit := <-s.kits:
		return kit, nil
	case <-time.After(kitHandoverTimeout):
		return nil, errors.New("no kit available")
	}
}

// handleKit accepts a kit process announcing itself after spawn.
func (s *Server) handleKit(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	if err != nil || pid <= 0 {
		http.Error(w, "bad pid", http.StatusBadRequest)
		return
	}
	jailID := r.URL.Query().Get("jailid")
	if jailID == "" {
		jailID = util.NewID("jail")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: kit upgrade: %v", err)
		return
	}

	kit := broker.NewKitProcess(pid, jailID, conn)
	select {
	case s.kits <- kit:
		log.Printf("server: kit %d registered, jail [%s]", pid, jailID)
	default:
		log.Printf("server: kit pool full, dropping kit %d", pid)
		kit.Close(true)
	}
}

// handleClient accepts one viewing/editing session. The document URI
// travels URL-encoded in the path after /ws/.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	// Keep the raw escaping: the document URI arrives URL-encoded in the
	// path and SanitizeURI performs the one decode itself.
	encoded := strings.TrimPrefix(r.URL.EscapedPath(), "/ws/")
	if r.URL.RawQuery != "" {
		encoded += "?" + r.URL.RawQuery
	}

	b, err := s.manager.FindOrCreate(encoded)
	if err != nil {
		http.Error(w, "invalid document URI", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: client upgrade: %v", err)
		return
	}

	uri, err := broker.SanitizeURI(encoded)
	if err != nil {
		_ = conn.Close()
		return
	}
	session := broker.NewClientSession(util.NewID("sess"), uri, broker.NewWSSessionConn(conn))

	added := make(chan error, 1)
	b.AddCallback(func() {
		_, err := b.AddSession(r.Context(), session)
		added <- err
	})
	if err := <-added; err != nil {
		log.Printf("server: add session: %v", err)
		session.Shutdown(broker.CloseGoingAway, "loadfailed")
		return
	}

	go s.readClient(b, session, conn)
}

// readClient pumps client traffic into the broker loop until the socket
// closes, then detaches the session.
func (s *Server) readClient(b *broker.Broker, session *broker.ClientSession, conn *websocket.Conn) {
	defer func() {
		session.SetCloseFrame()
		b.AddCallback(func() { b.RemoveSession(session.ID(), true) })
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("server: session [%s] read: %v", session.ID(), err)
			}
			return
		}
		b.UpdateLastActivityTime()
		s.dispatchClientMessage(b, session, string(data))
	}
}

func (s *Server) dispatchClientMessage(b *broker.Broker, session *broker.ClientSession, msg string) {
	switch proto.FirstToken(msg) {
	case "tile":
		desc, err := tile.ParseDesc(msg)
		if err != nil {
			log.Printf("server: session [%s]: %v", session.ID(), err)
			return
		}
		b.AddCallback(func() { b.HandleTileRequest(desc, session) })
	case "tilecombine":
		combined, err := tile.ParseCombined(msg)
		if err != nil {
			log.Printf("server: session [%s]: %v", session.ID(), err)
			return
		}
		b.AddCallback(func() { b.HandleTileCombinedRequest(combined, session) })
	case "canceltiles":
		b.AddCallback(func() { b.CancelTileRequests(session) })
	default:
		b.AddCallback(func() { b.ForwardToChild(session.ID(), msg) })
	}
}

// Run serves until the context is cancelled, then drains the brokers.
func Run(ctx context.Context, addr string, s *Server) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown: %v", err)
	}
	s.manager.Shutdown()
	return nil
}
