package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// testWopiHost is a minimal WOPI storage: per-token write permission,
// controllable save outcome.
type testWopiHost struct {
	mu        sync.Mutex
	owner     string
	users     map[string]string // access_token -> user id
	editors   map[string]bool   // access_token -> UserCanWrite
	putStatus int
	puts      int
}

func (h *testWopiHost) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	token := r.URL.Query().Get("access_token")
	userID, ok := h.users[token]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/contents") && r.Method == http.MethodGet:
		_, _ = w.Write([]byte("document-bytes"))
	case strings.HasSuffix(r.URL.Path, "/contents") && r.Method == http.MethodPost:
		_, _ = io.Copy(io.Discard, r.Body)
		h.puts++
		status := h.putStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{
			"BaseFileName":     "report.odt",
			"OwnerId":          h.owner,
			"UserId":           userID,
			"UserFriendlyName": "User " + userID,
			"UserCanWrite":     h.editors[token],
			"LastModifiedTime": "2026-05-01T10:00:00Z",
		})
	}
}

func (h *testWopiHost) putCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.puts
}

func newWopiBroker(t *testing.T, host *testWopiHost, doc string) (*Broker, *fakeChild, *fakeLedger, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(host.serve))
	t.Cleanup(server.Close)
	base := server.URL + "/wopi/files/" + doc
	b, child, tokens := newTestBroker(t, base+"?access_token=placeholder", testConfig(t))
	return b, child, tokens, base
}

func wopiSession(t *testing.T, b *Broker, base, token, id string) (*ClientSession, *fakeConn) {
	t.Helper()
	return makeTestSession(t, base+"?access_token="+token, id)
}

func TestTokenReuseRejectedAcrossBrokers(t *testing.T) {
	host := &testWopiHost{
		owner:   "owner-1",
		users:   map[string]string{"T1": "u1"},
		editors: map[string]bool{"T1": true},
	}
	server := httptest.NewServer(http.HandlerFunc(host.serve))
	t.Cleanup(server.Close)

	tokens := newFakeLedger()
	mkBroker := func(doc string) *Broker {
		raw := server.URL + "/wopi/files/" + doc + "?access_token=T1"
		uri, err := SanitizeURI(raw)
		if err != nil {
			t.Fatal(err)
		}
		child := newFakeChild()
		b := New(raw, uri, DocKeyFromURI(uri), "00a", testConfig(t), Deps{
			Ledger:       tokens,
			ChildFactory: func() (ChildProcess, error) { return child, nil },
		})
		b.child = child
		return b
	}

	b1 := mkBroker("doc1")
	s1, _ := makeTestSession(t, server.URL+"/wopi/files/doc1?access_token=T1", "001")
	if _, err := b1.AddSession(context.Background(), s1); err != nil {
		t.Fatalf("first use of T1 must load: %v", err)
	}

	b2 := mkBroker("doc2")
	s2, _ := makeTestSession(t, server.URL+"/wopi/files/doc2?access_token=T1", "001")
	_, err := b2.AddSession(context.Background(), s2)
	if err == nil || !errors.Is(err, ErrTokenReused) {
		t.Fatalf("second use of T1 must be rejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "WOPI::CheckFileInfo failed") {
		t.Errorf("rejection must read as a CheckFileInfo failure: %v", err)
	}
	if !b2.markToDestroy {
		t.Error("failed load leaving an empty registry must mark to destroy")
	}
}

func TestTokenReuseAllowedWithDocPass(t *testing.T) {
	host := &testWopiHost{
		owner:   "owner-1",
		users:   map[string]string{"T1": "u1"},
		editors: map[string]bool{"T1": true},
	}
	server := httptest.NewServer(http.HandlerFunc(host.serve))
	t.Cleanup(server.Close)

	tokens := newFakeLedger()
	tokens.seen["T1"] = true // already consumed

	raw := server.URL + "/wopi/files/doc1?access_token=T1&docpass=yes"
	uri, _ := SanitizeURI(raw)
	child := newFakeChild()
	b := New(raw, uri, DocKeyFromURI(uri), "00a", testConfig(t), Deps{
		Ledger:       tokens,
		ChildFactory: func() (ChildProcess, error) { return child, nil },
	})
	b.child = child

	s, _ := makeTestSession(t, raw, "001")
	if _, err := b.AddSession(context.Background(), s); err != nil {
		t.Fatalf("docpass=yes must bypass the ledger: %v", err)
	}
}

func TestWopiLoadMarksOwnerAndReadOnly(t *testing.T) {
	host := &testWopiHost{
		owner:   "u-owner",
		users:   map[string]string{"TO": "u-owner", "TV": "u-view"},
		editors: map[string]bool{"TO": true, "TV": false},
	}
	b, _, _, base := newWopiBroker(t, host, "doc1")

	owner, ownerConn := wopiSession(t, b, base, "TO", "001")
	if _, err := b.AddSession(context.Background(), owner); err != nil {
		t.Fatalf("owner load: %v", err)
	}
	if !owner.IsDocumentOwner() {
		t.Error("matching user and owner ids must mark the document owner")
	}
	if owner.IsReadOnly() {
		t.Error("editor must stay writable")
	}
	waitFor(t, "wopi frame", func() bool {
		for _, f := range ownerConn.textFrames() {
			if strings.HasPrefix(f, "wopi: {") && strings.Contains(f, `"title":"report.odt"`) {
				return true
			}
		}
		return false
	})
	waitFor(t, "load stats frame", func() bool {
		for _, f := range ownerConn.textFrames() {
			if strings.HasPrefix(f, "stats: wopiloadduration ") {
				return true
			}
		}
		return false
	})

	viewer, _ := wopiSession(t, b, base, "TV", "002")
	if _, err := b.AddSession(context.Background(), viewer); err != nil {
		t.Fatalf("viewer load: %v", err)
	}
	if !viewer.IsReadOnly() {
		t.Error("UserCanWrite=false must force read-only")
	}
	if viewer.IsDocumentOwner() {
		t.Error("non-owner must not be marked owner")
	}
}

func TestSaveUnmodifiedAckIsSuccessfulNoOp(t *testing.T) {
	uri := localDocURI(t, "userid=u1&username=Ann")
	b, _, _ := newTestBroker(t, uri, testConfig(t))
	addTestSession(t, b, uri, "001")
	b.SetLoaded()

	before := b.lastSaveTime
	time.Sleep(2 * time.Millisecond)
	if !b.SaveToStorage(context.Background(), "001", false, "unmodified") {
		t.Fatal("unmodified ack must count as a successful save")
	}
	if !b.lastSaveTime.After(before) {
		t.Error("lastSaveTime must advance")
	}
}

func TestSendUnoSaveComposesArguments(t *testing.T) {
	uri := localDocURI(t, "userid=u1&username=Ann")
	b, child, _ := newTestBroker(t, uri, testConfig(t))
	addTestSession(t, b, uri, "001")

	if !b.sendUnoSave("001", true, true) {
		t.Fatal("sendUnoSave failed")
	}
	frames := child.framesWithPrefix("child-001 uno .uno:Save ")
	if len(frames) != 1 {
		t.Fatalf("save frame missing: %v", child.sentFrames())
	}
	want := `child-001 uno .uno:Save {"DontSaveIfUnmodified":{"type":"boolean","value":true},"DontTerminateEdit":{"type":"boolean","value":true}}`
	if frames[0] != want {
		t.Errorf("save frame = %q, want %q", frames[0], want)
	}
	if !b.lastFileModifiedTime.IsZero() {
		t.Error("sendUnoSave must invalidate the file timestamp")
	}
	if !b.lastSaveRequestTime.After(b.lastSaveTime) {
		t.Error("save must be in flight after dispatch")
	}

	if b.sendUnoSave("999", true, true) {
		t.Error("save through unknown session must fail")
	}
}

func TestAutoSavePrefersDocumentOwner(t *testing.T) {
	host := &testWopiHost{
		owner:   "u-owner",
		users:   map[string]string{"TA": "u-a", "TO": "u-owner"},
		editors: map[string]bool{"TA": true, "TO": true},
	}
	b, child, _, base := newWopiBroker(t, host, "doc1")

	first, _ := wopiSession(t, b, base, "TA", "001")
	if _, err := b.AddSession(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	ownerSession, _ := wopiSession(t, b, base, "TO", "002")
	if _, err := b.AddSession(context.Background(), ownerSession); err != nil {
		t.Fatal(err)
	}
	b.SetLoaded()

	if !b.autoSave(true) {
		t.Fatal("forced autosave must dispatch")
	}
	if frames := child.framesWithPrefix("child-002 uno .uno:Save "); len(frames) != 1 {
		t.Errorf("save must go through the owner session: %v", child.sentFrames())
	}
}

func TestAutoSaveTimedPredicates(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleSaveAfter = 50 * time.Millisecond
	cfg.AutoSaveAfter = time.Hour

	uri := localDocURI(t, "userid=u1&username=Ann")
	b, child, _ := newTestBroker(t, uri, cfg)
	addTestSession(t, b, uri, "001")
	b.SetLoaded()

	// Unmodified: a timed autosave is a no-op.
	if b.autoSave(false) {
		t.Error("unmodified document must not autosave")
	}

	b.SetModified(true)
	// Modified but recently active and recently saved: still a no-op.
	if b.autoSave(false) {
		t.Error("active document within both windows must not autosave")
	}

	// Idle long enough: the idle-save window fires.
	b.lastActivity.Store(time.Now().Add(-time.Second).UnixNano())
	if !b.autoSave(false) {
		t.Error("idle modified document must autosave")
	}
	if len(child.framesWithPrefix("child-001 uno .uno:Save ")) != 1 {
		t.Errorf("expected exactly one save frame: %v", child.sentFrames())
	}
}

func TestDiskFullSaveMakesEveryoneReadOnly(t *testing.T) {
	host := &testWopiHost{
		owner:     "u-owner",
		users:     map[string]string{"TA": "u-a", "TB": "u-b"},
		editors:   map[string]bool{"TA": true, "TB": true},
		putStatus: http.StatusInsufficientStorage,
	}
	b, _, _, base := newWopiBroker(t, host, "doc1")

	sa, connA := wopiSession(t, b, base, "TA", "001")
	if _, err := b.AddSession(context.Background(), sa); err != nil {
		t.Fatal(err)
	}
	sb, connB := wopiSession(t, b, base, "TB", "002")
	if _, err := b.AddSession(context.Background(), sb); err != nil {
		t.Fatal(err)
	}
	b.SetLoaded()
	b.SetModified(true)

	if !b.sendUnoSave("001", true, true) {
		t.Fatal("save dispatch failed")
	}
	if b.SaveToStorage(context.Background(), "001", true, "") {
		t.Fatal("disk-full save must not report success")
	}

	for _, s := range []*ClientSession{sa, sb} {
		if !s.IsReadOnly() {
			t.Errorf("session [%s] must be read-only after disk-full", s.ID())
		}
	}
	for _, conn := range []*fakeConn{connA, connB} {
		waitFor(t, "savediskfull frame", func() bool {
			for _, f := range conn.textFrames() {
				if f == "error: cmd=storage kind=savediskfull" {
					return true
				}
			}
			return false
		})
	}
}

func TestSaveUnauthorizedNotifiesOriginatingSessionOnly(t *testing.T) {
	host := &testWopiHost{
		owner:     "u-owner",
		users:     map[string]string{"TA": "u-a", "TB": "u-b"},
		editors:   map[string]bool{"TA": true, "TB": true},
		putStatus: http.StatusUnauthorized,
	}
	b, _, _, base := newWopiBroker(t, host, "doc1")

	sa, connA := wopiSession(t, b, base, "TA", "001")
	if _, err := b.AddSession(context.Background(), sa); err != nil {
		t.Fatal(err)
	}
	sb, connB := wopiSession(t, b, base, "TB", "002")
	if _, err := b.AddSession(context.Background(), sb); err != nil {
		t.Fatal(err)
	}
	b.SetLoaded()

	b.sendUnoSave("001", true, true)
	b.SaveToStorage(context.Background(), "001", true, "")

	waitFor(t, "saveunauthorized frame", func() bool {
		for _, f := range connA.textFrames() {
			if f == "error: cmd=storage kind=saveunauthorized" {
				return true
			}
		}
		return false
	})
	for _, f := range connB.textFrames() {
		if strings.Contains(f, "saveunauthorized") {
			t.Error("other sessions must not be notified")
		}
	}
	if sa.IsReadOnly() || sb.IsReadOnly() {
		t.Error("unauthorized save must not force read-only")
	}
}

func TestLastEditorDestroyDefersRemovalUntilSave(t *testing.T) {
	host := &testWopiHost{
		owner:   "u-owner",
		users:   map[string]string{"TE": "u-e"},
		editors: map[string]bool{"TE": true},
	}
	b, child, _, base := newWopiBroker(t, host, "doc1")

	editor, _ := wopiSession(t, b, base, "TE", "001")
	if _, err := b.AddSession(context.Background(), editor); err != nil {
		t.Fatal(err)
	}
	editor.SetViewLoaded()
	editor.SetCloseFrame()
	b.SetLoaded()
	b.SetModified(true)

	// The only editor leaves: a forced save is issued and removal waits.
	count := b.RemoveSession("001", true)
	if count != 1 {
		t.Fatalf("removal must be deferred, got count %d", count)
	}
	if !b.markToDestroy || !b.lastEditableSession {
		t.Errorf("teardown flags wrong: markToDestroy=%v lastEditable=%v", b.markToDestroy, b.lastEditableSession)
	}
	if len(child.framesWithPrefix("child-001 uno .uno:Save ")) != 1 {
		t.Fatalf("forced save missing: %v", child.sentFrames())
	}

	// The kit acknowledges through the client-bound result; the broker
	// persists, removes the session and stops.
	ack := `client-001 unocommandresult: {"commandName":".uno:Save","success":true}`
	b.handleChildInput([]byte(ack))

	if host.putCount() != 1 {
		t.Errorf("expected one storage upload, got %d", host.putCount())
	}
	if b.sessionCount() != 0 {
		t.Error("session must be removed after the acknowledged save")
	}
	if !b.stopFlag.Load() {
		t.Error("broker must stop once marked to destroy and empty")
	}
}

func TestSaveSkipsUploadWhenFileUnchanged(t *testing.T) {
	host := &testWopiHost{
		owner:   "u-owner",
		users:   map[string]string{"TA": "u-a"},
		editors: map[string]bool{"TA": true},
	}
	b, _, _, base := newWopiBroker(t, host, "doc1")

	s, _ := wopiSession(t, b, base, "TA", "001")
	if _, err := b.AddSession(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	b.SetLoaded()

	// No uno-save dispatched: the recorded mtime still matches the jail.
	if !b.SaveToStorage(context.Background(), "001", true, "") {
		t.Fatal("unchanged save must succeed as a no-op")
	}
	if host.putCount() != 0 {
		t.Errorf("no upload expected, got %d", host.putCount())
	}
}

func TestSaveRefreshesDocumentTimestamp(t *testing.T) {
	host := &testWopiHost{
		owner:   "u-owner",
		users:   map[string]string{"TA": "u-a"},
		editors: map[string]bool{"TA": true},
	}
	b, _, _, base := newWopiBroker(t, host, "doc1")

	s, _ := wopiSession(t, b, base, "TA", "001")
	if _, err := b.AddSession(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	b.SetLoaded()
	b.SetModified(true)

	b.sendUnoSave("001", true, true)
	if !b.SaveToStorage(context.Background(), "001", true, "") {
		t.Fatal("save must succeed")
	}
	if b.IsModified() {
		t.Error("modified flag must clear after a successful save")
	}
	if b.tileCache.HasUnsavedChanges() {
		t.Error("tile cache unsaved flag must clear")
	}
	if host.putCount() != 1 {
		t.Errorf("expected one upload, got %d", host.putCount())
	}
	want, _ := time.Parse(time.RFC3339, "2026-05-01T10:00:00Z")
	if !b.documentLastModifiedTime.Equal(want) {
		t.Errorf("document timestamp not refreshed: %v", b.documentLastModifiedTime)
	}
}
