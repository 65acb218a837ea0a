package broker

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FrameSink receives inbound traffic from the kit. The broker implements
// it by posting each frame onto its own loop.
type FrameSink interface {
	HandleChildFrame(frame []byte)
	ChildTerminated()
}

// ChildProcess is the handle to one kit: it owns the transport, delivers
// inbound frames to the sink and reports liveness.
type ChildProcess interface {
	// Start begins delivering inbound frames; call once, after the broker
	// has claimed the child.
	Start(sink FrameSink)
	SendFrame(frame []byte) error
	IsAlive() bool
	Pid() int
	JailID() string
	// Stop asks the kit to wind down; Close tears the transport down,
	// skipping the polite exit when rude.
	Stop()
	Close(rude bool)
}

// ChildFactory produces a kit for a broker. Blocks until one is
// available or errors; the broker retries within its startup budget.
type ChildFactory func() (ChildProcess, error)

// KitProcess is the websocket-backed child handle. The kit connects to
// the server and is handed over to a broker, which then owns it.
type KitProcess struct {
	pid    int
	jailID string

	writeMu sync.Mutex
	conn    *websocket.Conn
	alive   atomic.Bool
	started atomic.Bool
}

func NewKitProcess(pid int, jailID string, conn *websocket.Conn) *KitProcess {
	k := &KitProcess{pid: pid, jailID: jailID, conn: conn}
	k.alive.Store(true)
	return k
}

func (k *KitProcess) Pid() int       { return k.pid }
func (k *KitProcess) JailID() string { return k.jailID }

func (k *KitProcess) IsAlive() bool { return k.alive.Load() }

func (k *KitProcess) Start(sink FrameSink) {
	if !k.started.CompareAndSwap(false, true) {
		return
	}
	go k.readPump(sink)
}

func (k *KitProcess) readPump(sink FrameSink) {
	defer func() {
		k.alive.Store(false)
		sink.ChildTerminated()
	}()
	for {
		_, frame, err := k.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("kit %d: read: %v", k.pid, err)
			}
			return
		}
		sink.HandleChildFrame(frame)
	}
}

func (k *KitProcess) SendFrame(frame []byte) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	_ = k.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return k.conn.WriteMessage(websocket.TextMessage, frame)
}

func (k *KitProcess) Stop() {
	if err := k.SendFrame([]byte("exit")); err != nil {
		log.Printf("kit %d: exit frame: %v", k.pid, err)
	}
}

func (k *KitProcess) Close(rude bool) {
	if !rude {
		k.writeMu.Lock()
		_ = k.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = k.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		k.writeMu.Unlock()
	}
	k.alive.Store(false)
	_ = k.conn.Close()
}
