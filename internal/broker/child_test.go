package broker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

type recordingSink struct {
	mu         sync.Mutex
	frames     []string
	terminated bool
}

func (s *recordingSink) HandleChildFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(frame))
}

func (s *recordingSink) ChildTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

func (s *recordingSink) snapshot() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...), s.terminated
}

// dialTestKit upgrades an in-process websocket pair: the server side acts
// as the kit, the client side becomes the KitProcess transport.
func dialTestKit(t *testing.T) (*KitProcess, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	kitSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		kitSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	kit := <-kitSide
	t.Cleanup(func() { _ = kit.Close() })
	return NewKitProcess(4242, "jail-1", conn), kit
}

func TestKitProcessDeliversFrames(t *testing.T) {
	proc, kit := dialTestKit(t)
	sink := &recordingSink{}
	proc.Start(sink)

	if err := kit.WriteMessage(websocket.TextMessage, []byte("procmemstats: dirty=1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frame delivery", func() bool {
		frames, _ := sink.snapshot()
		return len(frames) == 1 && frames[0] == "procmemstats: dirty=1"
	})

	if err := proc.SendFrame([]byte("session 001 /doc 00a")); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	_, data, err := kit.ReadMessage()
	if err != nil || string(data) != "session 001 /doc 00a" {
		t.Fatalf("kit received %q, %v", data, err)
	}
}

func TestKitProcessReportsTermination(t *testing.T) {
	proc, kit := dialTestKit(t)
	sink := &recordingSink{}
	proc.Start(sink)

	if !proc.IsAlive() {
		t.Fatal("fresh kit must be alive")
	}
	_ = kit.Close()

	waitFor(t, "termination callback", func() bool {
		_, terminated := sink.snapshot()
		return terminated
	})
	if proc.IsAlive() {
		t.Error("kit must not report alive after its socket died")
	}
}
