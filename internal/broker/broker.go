// Package broker hosts the per-document coordination core: one Broker
// per open document, binding it to a kit process, its client sessions,
// the tile cache and the storage backend.
package broker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quill/server/internal/config"
	"quill/server/internal/ledger"
	"quill/server/internal/storage"
	"quill/server/internal/tile"
)

const (
	// CloseGoingAway is sent to clients when their broker winds down.
	CloseGoingAway = 1001

	childRetryInterval = 100 * time.Millisecond
)

// Deps wires a broker to its process-wide collaborators.
type Deps struct {
	Ledger       ledger.Ledger
	Admin        AdminSink
	ChildFactory ChildFactory
	// ShutdownFlag is the process-wide recycling flag; every loop exits
	// with closeReason "recycling" once it is set.
	ShutdownFlag *atomic.Bool
	// AlertAll fans an error frame out to every session of every broker.
	// Left nil, alerts stay within this broker.
	AlertAll func(cmd, kind string)
	// OnExit runs global housekeeping when the loop finishes.
	OnExit func()
}

// Broker coordinates one document. All mutation happens on the loop
// goroutine; other goroutines enqueue work via AddCallback.
type Broker struct {
	uriOrig   string
	uriPublic *url.URL
	docKey    string
	docID     string
	cfg       config.Config
	deps      Deps

	callbacks chan func()
	wake      chan struct{}
	done      chan struct{}
	stopFlag  atomic.Bool
	loopGID   atomic.Uint64

	lastActivity atomic.Int64

	// Everything below is owned by the loop goroutine.
	child     ChildProcess
	stor      storage.Storage
	tileCache *tile.Cache
	jailID    string
	uriJailed string
	filename  string

	// sessionsMu guards the registry against the narrow read paths used
	// while assembling tile responses; held when iterating to enqueue.
	sessionsMu sync.Mutex
	sessions   map[string]*ClientSession

	threadStart              time.Time
	loadDuration             time.Duration
	lastSaveTime             time.Time
	lastSaveRequestTime      time.Time
	lastFileModifiedTime     time.Time
	documentLastModifiedTime time.Time

	markToDestroy       bool
	lastEditableSession bool
	isLoaded            bool
	isModified          bool
	closeReason         string

	tileVersion int

	cursorX, cursorY, cursorW, cursorH int
}

// New builds a broker for a sanitized public URI. Run must be started on
// its own goroutine before sessions are added.
func New(uriOrig string, uriPublic *url.URL, docKey, docID string, cfg config.Config, deps Deps) *Broker {
	if deps.Admin == nil {
		deps.Admin = LogAdminSink{}
	}
	if deps.ShutdownFlag == nil {
		deps.ShutdownFlag = new(atomic.Bool)
	}
	now := time.Now()
	b := &Broker{
		uriOrig:   uriOrig,
		uriPublic: uriPublic,
		docKey:    docKey,
		docID:     docID,
		cfg:       cfg,
		deps:      deps,
		callbacks: make(chan func(), 128),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		sessions:  make(map[string]*ClientSession),

		lastSaveTime: now,
		// Not in flight: the last request predates the last save.
		lastSaveRequestTime: now.Add(-cfg.CommandTimeout),
	}
	b.lastActivity.Store(now.UnixNano())
	log.Printf("broker %s: created for [%s]", b.docKey, uriPublic)
	return b
}

func (b *Broker) DocKey() string { return b.docKey }
func (b *Broker) DocID() string  { return b.docID }

func (b *Broker) IsLoaded() bool   { return b.isLoaded }
func (b *Broker) IsModified() bool { return b.isModified }

// IsAlive reports whether the loop still runs (or has not started).
func (b *Broker) IsAlive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Done closes when the loop has exited.
func (b *Broker) Done() <-chan struct{} { return b.done }

// AddCallback enqueues work for the loop goroutine; safe from any
// goroutine. Work posted after the loop exits is dropped.
func (b *Broker) AddCallback(fn func()) {
	select {
	case <-b.done:
	case b.callbacks <- fn:
		b.wakeup()
	}
}

// Stop requests loop exit from any goroutine and wakes the poll.
func (b *Broker) Stop() {
	b.stopFlag.Store(true)
	b.wakeup()
}

func (b *Broker) wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// assertCorrectThread panics when a loop-private method runs off the
// loop goroutine; external callers must go through AddCallback.
func (b *Broker) assertCorrectThread() {
	gid := b.loopGID.Load()
	if gid != 0 && gid != curGID() {
		log.Panicf("broker %s: method called off the loop goroutine", b.docKey)
	}
}

func curGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

// Run is the broker loop; it owns every field until it returns.
func (b *Broker) Run() {
	b.loopGID.Store(curGID())
	b.threadStart = time.Now()
	defer close(b.done)

	log.Printf("broker %s: starting polling loop", b.docKey)

	// Acquire a kit, retrying within a bounded startup budget.
	budget := 5 * b.cfg.CommandTimeout
	for {
		child, err := b.deps.ChildFactory()
		if err == nil {
			b.child = child
			break
		}
		if b.stopFlag.Load() || b.deps.ShutdownFlag.Load() || time.Since(b.threadStart) > budget {
			break
		}
		time.Sleep(childRetryInterval)
	}
	if b.child == nil {
		log.Printf("broker %s: failed to get new child", b.docKey)
		b.stopFlag.Store(true)
		if b.deps.OnExit != nil {
			b.deps.OnExit()
		}
		log.Printf("broker %s: finished polling loop", b.docKey)
		return
	}
	b.child.Start(b)
	log.Printf("broker %s: attached to child %d", b.docKey, b.child.Pid())

	b.closeReason = "stopped"
	lastAutoSaveCheck := time.Now()

	for !b.stopFlag.Load() {
		b.poll(b.cfg.PollTimeout)

		now := time.Now()
		if b.lastSaveTime.Before(b.lastSaveRequestTime) &&
			now.Sub(b.lastSaveRequestTime) <= b.cfg.CommandTimeout {
			// A save is in flight; nothing else this tick.
			continue
		}

		if b.deps.ShutdownFlag.Load() {
			b.closeReason = "recycling"
			b.stopFlag.Store(true)
		} else if b.cfg.AutoSaveEnabled && !b.stopFlag.Load() &&
			now.Sub(lastAutoSaveCheck) >= b.cfg.AutoSavePeriod {
			b.autoSave(true)
			lastAutoSaveCheck = time.Now()
		}

		idle := now.Sub(b.lastActivityTime()) >= b.cfg.IdleTimeout
		if !b.deps.ShutdownFlag.Load() && (b.isLoaded || b.markToDestroy) && (b.sessionCount() == 0 || idle) {
			if idle {
				b.closeReason = "idle"
			} else {
				b.closeReason = "dead"
			}
			log.Printf("broker %s: terminating %s document", b.docKey, b.closeReason)
			b.stopFlag.Store(true)
		}
	}

	log.Printf("broker %s: finished polling, closeReason=%s", b.docKey, b.closeReason)

	// Let queued work flush before tearing the child down.
	flushStart := time.Now()
	for len(b.callbacks) > 0 && time.Since(flushStart) <= 2*b.cfg.PollTimeout {
		b.poll(b.cfg.PollTimeout / 5)
	}

	b.terminateChild(b.closeReason, false)

	if b.deps.OnExit != nil {
		b.deps.OnExit()
	}

	if b.tileCache != nil && !b.cfg.TileCachePersistent {
		if err := b.tileCache.CompleteCleanup(); err != nil {
			log.Printf("broker %s: tile cache cleanup: %v", b.docKey, err)
		}
	}

	b.deps.Admin.RmDoc(b.docKey)
	log.Printf("broker %s: finished polling loop", b.docKey)
}

// poll waits for the next piece of work or the timeout, then drains
// whatever else is already queued.
func (b *Broker) poll(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case fn := <-b.callbacks:
		fn()
	case <-b.wake:
	case <-timer.C:
		return
	}
	for {
		select {
		case fn := <-b.callbacks:
			fn()
		default:
			return
		}
	}
}

func (b *Broker) lastActivityTime() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

// UpdateLastActivityTime postpones idle termination; safe from any
// goroutine since session traffic arrives off-loop.
func (b *Broker) UpdateLastActivityTime() {
	b.lastActivity.Store(time.Now().UnixNano())
	b.deps.Admin.UpdateLastActivityTime(b.docKey)
}

func (b *Broker) sessionCount() int {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	return len(b.sessions)
}

func (b *Broker) sessionByID(id string) (*ClientSession, bool) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *Broker) sessionSnapshot() []*ClientSession {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	out := make([]*ClientSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SetLoaded records that the kit finished loading the document.
func (b *Broker) SetLoaded() {
	b.assertCorrectThread()
	if !b.isLoaded {
		b.isLoaded = true
		b.loadDuration = time.Since(b.threadStart)
		log.Printf("broker %s: document loaded in %v", b.docKey, b.loadDuration)
	}
}

// SetModified tracks document dirtiness reported by the kit.
func (b *Broker) SetModified(value bool) {
	b.assertCorrectThread()
	if b.tileCache != nil {
		b.tileCache.SetUnsavedChanges(value)
	}
	b.isModified = value
}

// SetCursor tracks the last reported cursor rectangle.
func (b *Broker) SetCursor(x, y, w, h int) {
	b.assertCorrectThread()
	b.cursorX, b.cursorY, b.cursorW, b.cursorH = x, y, w, h
}

// AddSession loads the document for the session and registers it.
// Returns the new session count. Fails when marked to destroy; a failure
// that leaves the registry empty marks the broker for destruction.
func (b *Broker) AddSession(ctx context.Context, s *ClientSession) (int, error) {
	b.assertCorrectThread()
	count, err := b.addSessionInternal(ctx, s)
	if err != nil {
		log.Printf("broker %s: failed to add session [%s]: %v", b.docKey, s.id, err)
		if b.sessionCount() == 0 {
			log.Printf("broker %s: no more sessions, marking to destroy", b.docKey)
			b.markToDestroy = true
		}
		return 0, err
	}
	return count, nil
}

func (b *Broker) addSessionInternal(ctx context.Context, s *ClientSession) (int, error) {
	if err := b.load(ctx, s, b.child.JailID()); err != nil {
		return 0, fmt.Errorf("load document for session [%s]: %w", s.id, err)
	}

	// Recomputed by destroyIfLastEditor before teardown; a new session
	// resets any earlier teardown decision.
	b.lastEditableSession = false
	b.markToDestroy = false
	b.stopFlag.Store(false)

	frame := fmt.Sprintf("session %s %s %s", s.id, b.docKey, b.docID)
	if err := b.child.SendFrame([]byte(frame)); err != nil {
		return 0, fmt.Errorf("announce session to child: %w", err)
	}

	b.deps.Admin.AddDoc(b.docKey, b.child.Pid(), b.filename, s.id, s.userName)

	b.sessionsMu.Lock()
	b.sessions[s.id] = s
	count := len(b.sessions)
	b.sessionsMu.Unlock()
	s.setAttached()

	log.Printf("broker %s: added session [%s], now %d sessions", b.docKey, s.id, count)
	return count, nil
}

// RemoveSession detaches a session. With destroyIfLast, a departing last
// editor first forces a save; removal is then deferred until the save
// acknowledgement arrives.
func (b *Broker) RemoveSession(id string, destroyIfLast bool) int {
	b.assertCorrectThread()

	if destroyIfLast {
		b.destroyIfLastEditor(id)
	}

	log.Printf("broker %s: removing session [%s], markToDestroy=%v lastEditableSession=%v",
		b.docKey, id, b.markToDestroy, b.lastEditableSession)

	if !b.lastEditableSession || !b.autoSave(true) {
		return b.removeSessionInternal(id)
	}
	return b.sessionCount()
}

func (b *Broker) removeSessionInternal(id string) int {
	b.assertCorrectThread()

	b.deps.Admin.RmDocSession(b.docKey, id)

	b.sessionsMu.Lock()
	_, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	count := len(b.sessions)
	b.sessionsMu.Unlock()

	if !ok {
		log.Printf("broker %s: session [%s] not found to remove", b.docKey, id)
		return count
	}

	if err := b.child.SendFrame([]byte("child-" + id + " disconnect")); err != nil {
		log.Printf("broker %s: disconnect frame for [%s]: %v", b.docKey, id, err)
	}
	log.Printf("broker %s: removed session [%s], %d left", b.docKey, id, count)
	return count
}

// destroyIfLastEditor marks the broker for destruction when the departing
// session leaves at most nothing behind, and remembers whether it was the
// last editable view (which forces a save before teardown).
func (b *Broker) destroyIfLastEditor(id string) {
	b.assertCorrectThread()

	current, ok := b.sessionByID(id)
	if !ok {
		// A socket can disconnect before its session ever loaded.
		return
	}

	b.lastEditableSession = !current.IsReadOnly()
	if b.lastEditableSession {
		for _, s := range b.sessionSnapshot() {
			if s.id != id && s.IsViewLoaded() && !s.IsReadOnly() {
				b.lastEditableSession = false
				break
			}
		}
	}

	b.markToDestroy = b.sessionCount() <= 1
	log.Printf("broker %s: startDestroy on [%s], markToDestroy=%v lastEditableSession=%v",
		b.docKey, id, b.markToDestroy, b.lastEditableSession)
}

// shutdownClients notifies every client and removes its session.
func (b *Broker) shutdownClients(closeReason string) {
	b.assertCorrectThread()
	log.Printf("broker %s: terminating %d clients, reason=%s", b.docKey, b.sessionCount(), closeReason)

	for _, s := range b.sessionSnapshot() {
		s.Shutdown(CloseGoingAway, closeReason)
		b.RemoveSession(s.id, true)
	}
}

// childSocketTerminated handles the kit dying under us.
func (b *Broker) childSocketTerminated() {
	b.assertCorrectThread()

	if b.child != nil && !b.child.IsAlive() {
		log.Printf("broker %s: child terminated prematurely", b.docKey)
	}
	b.shutdownClients("terminated")
}

func (b *Broker) terminateChild(closeReason string, rude bool) {
	b.assertCorrectThread()

	log.Printf("broker %s: terminating, reason=%s", b.docKey, closeReason)

	if !rude {
		b.shutdownClients(closeReason)
	}
	if b.child != nil {
		if !rude {
			b.child.Stop()
		}
		b.child.Close(rude)
	}
	b.stopFlag.Store(true)
}

// CloseDocument tears the document down rudely (admin kill, recycling).
func (b *Broker) CloseDocument(reason string) {
	b.assertCorrectThread()
	b.terminateChild(reason, true)
}

// AlertAllUsers sends an error frame to every session of this broker.
func (b *Broker) AlertAllUsers(cmd, kind string) {
	b.assertCorrectThread()
	frame := "error: cmd=" + cmd + " kind=" + kind
	for _, s := range b.sessionSnapshot() {
		s.SendTextFrame(frame)
	}
}

// DumpState writes a human-readable snapshot for diagnostics.
func (b *Broker) DumpState(w io.Writer) {
	pid := 0
	if b.child != nil {
		pid = b.child.Pid()
	}
	fmt.Fprintf(w, " Broker: %s pid: %d\n", b.filename, pid)
	if b.markToDestroy {
		fmt.Fprintf(w, "  *** Marked to destroy ***\n")
	}
	if b.isLoaded {
		fmt.Fprintf(w, "  loaded in: %v\n", b.loadDuration)
	} else {
		fmt.Fprintf(w, "  still loading...\n")
	}
	fmt.Fprintf(w, "  modified?: %v\n", b.isModified)
	fmt.Fprintf(w, "  jail id: %s\n", b.jailID)
	fmt.Fprintf(w, "  public uri: %s\n", b.uriPublic)
	fmt.Fprintf(w, "  jailed uri: %s\n", b.uriJailed)
	fmt.Fprintf(w, "  doc key: %s\n", b.docKey)
	fmt.Fprintf(w, "  doc id: %s\n", b.docID)
	fmt.Fprintf(w, "  num sessions: %d\n", b.sessionCount())
	fmt.Fprintf(w, "  last editable?: %v\n", b.lastEditableSession)
	fmt.Fprintf(w, "  cursor: %d,%d (%dx%d)\n", b.cursorX, b.cursorY, b.cursorW, b.cursorH)
}
