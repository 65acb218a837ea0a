package broker

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"quill/server/internal/tile"
)

func tileA() tile.Desc {
	return tile.Desc{Part: 0, ImgWidth: 256, ImgHeight: 256, PosX: 0, PosY: 0,
		TileWidth: 3840, TileHeight: 3840}
}

func tileB() tile.Desc {
	return tile.Desc{Part: 0, ImgWidth: 256, ImgHeight: 256, PosX: 3840, PosY: 0,
		TileWidth: 3840, TileHeight: 3840}
}

func loadedBroker(t *testing.T) (*Broker, *fakeChild, *ClientSession, *fakeConn) {
	t.Helper()
	uri := localDocURI(t, "userid=u1&username=Ann")
	b, child, _ := newTestBroker(t, uri, testConfig(t))
	s, conn := addTestSession(t, b, uri, "001")
	b.SetLoaded()
	return b, child, s, conn
}

func TestTileRequestMissForwardsToKit(t *testing.T) {
	b, child, s, conn := loadedBroker(t)

	desc := tileA()
	b.HandleTileRequest(desc, s)

	frames := child.framesWithPrefix("tile ")
	if len(frames) != 1 {
		t.Fatalf("expected one render request: %v", child.sentFrames())
	}
	if !strings.Contains(frames[0], "ver=1") {
		t.Errorf("request must carry a fresh version: %s", frames[0])
	}

	// The render arrives; the subscriber gets its framed copy.
	payload := []byte{9, 9, 9}
	rendered := desc
	rendered.Ver = 1
	b.handleChildInput(append([]byte(rendered.Serialize("tile:")+"\n"), payload...))

	waitFor(t, "tile delivery", func() bool {
		return len(conn.binaryFrames()) == 1
	})
	if _, ok := b.tileCache.Lookup(desc); !ok {
		t.Error("rendered tile must be cached")
	}
}

func TestTileRequestHitServedFromCache(t *testing.T) {
	b, child, s, conn := loadedBroker(t)

	desc := tileA()
	payload := []byte{1, 2, 3, 4}
	if _, err := b.tileCache.Save(desc, payload); err != nil {
		t.Fatal(err)
	}

	b.HandleTileRequest(desc, s)

	waitFor(t, "cached tile delivery", func() bool {
		frames := conn.binaryFrames()
		return len(frames) == 1 && bytes.HasSuffix(frames[0], payload) &&
			bytes.HasPrefix(frames[0], []byte("tile: "))
	})
	if len(child.framesWithPrefix("tile ")) != 0 {
		t.Errorf("cache hit must not reach the kit: %v", child.sentFrames())
	}
}

func TestTileRequestedOncePerEpoch(t *testing.T) {
	b, child, s1, _ := loadedBroker(t)
	uri := localDocURI(t, "userid=u2&username=Bob")
	s2, _ := makeTestSession(t, uri, "002")
	b.sessionsMu.Lock()
	b.sessions["002"] = s2
	b.sessionsMu.Unlock()

	desc := tileA()
	b.HandleTileRequest(desc, s1)
	b.HandleTileRequest(desc, s2)

	if got := len(child.framesWithPrefix("tile ")); got != 1 {
		t.Errorf("tile must be requested once per epoch, got %d requests", got)
	}
}

func TestTileCombinedHitAndMiss(t *testing.T) {
	b, child, s, conn := loadedBroker(t)

	a, bdesc := tileA(), tileB()
	payloadA := []byte{0xA, 0xA}
	if _, err := b.tileCache.Save(a, payloadA); err != nil {
		t.Fatal(err)
	}

	b.HandleTileCombinedRequest(tile.NewCombined([]tile.Desc{a, bdesc}), s)

	// A comes straight from the cache.
	waitFor(t, "cached tile A", func() bool {
		for _, f := range conn.binaryFrames() {
			if bytes.HasSuffix(f, payloadA) {
				return true
			}
		}
		return false
	})

	// Only B goes to the kit.
	requests := child.framesWithPrefix("tilecombine ")
	if len(requests) != 1 {
		t.Fatalf("expected one residual tilecombine: %v", child.sentFrames())
	}
	if !strings.Contains(requests[0], "tileposx=3840") || strings.Contains(requests[0], "tileposx=0,") {
		t.Errorf("residual request must contain only the miss: %s", requests[0])
	}

	// B's render arrives combined; the session receives it framed.
	payloadB := []byte{0xB, 0xB, 0xB}
	resp := bdesc
	resp.Ver = 1
	resp.ImgSize = len(payloadB)
	header := tile.NewCombined([]tile.Desc{resp}).Serialize("tilecombine:")
	b.handleChildInput(append([]byte(header+"\n"), payloadB...))

	waitFor(t, "tile B delivery", func() bool {
		for _, f := range conn.binaryFrames() {
			if bytes.HasSuffix(f, payloadB) {
				return true
			}
		}
		return false
	})

	// Both tiles are now cached.
	if _, ok := b.tileCache.Lookup(a); !ok {
		t.Error("tile A must remain cached")
	}
	if _, ok := b.tileCache.Lookup(bdesc); !ok {
		t.Error("tile B must be cached after the render")
	}
}

func TestEmptyTileResponseDropped(t *testing.T) {
	b, _, s, conn := loadedBroker(t)

	desc := tileA()
	b.HandleTileRequest(desc, s)

	// Header with no payload: dropped, not cached, not delivered.
	b.handleChildInput([]byte(desc.Serialize("tile:")))

	if _, ok := b.tileCache.Lookup(desc); ok {
		t.Error("empty response must not be cached")
	}
	if len(conn.binaryFrames()) != 0 {
		t.Error("empty response must not reach the session")
	}
}

func TestBroadcastTileSubscribesEverySession(t *testing.T) {
	b, child, s1, conn1 := loadedBroker(t)
	uri := localDocURI(t, "userid=u2&username=Bob")
	s2, conn2 := makeTestSession(t, uri, "002")
	b.sessionsMu.Lock()
	b.sessions["002"] = s2
	b.sessionsMu.Unlock()

	desc := tileA()
	desc.Broadcast = true
	b.HandleTileRequest(desc, s1)

	frames := child.framesWithPrefix("tile ")
	if len(frames) != 1 {
		t.Fatalf("broadcast must still render once: %v", child.sentFrames())
	}

	payload := []byte{7}
	rendered := tileA()
	rendered.Ver = 1
	b.handleChildInput(append([]byte(rendered.Serialize("tile:")+"\n"), payload...))

	for i, conn := range []*fakeConn{conn1, conn2} {
		conn := conn
		waitFor(t, fmt.Sprintf("broadcast delivery %d", i), func() bool {
			for _, f := range conn.binaryFrames() {
				if bytes.HasSuffix(f, payload) {
					return true
				}
			}
			return false
		})
	}
}

func TestCancelTileRequestsForwardsToKit(t *testing.T) {
	b, child, s, _ := loadedBroker(t)

	b.HandleTileRequest(tileA(), s)
	b.CancelTileRequests(s)

	frames := child.framesWithPrefix("canceltiles ")
	if len(frames) != 1 {
		t.Fatalf("canceltiles frame missing: %v", child.sentFrames())
	}
	if !strings.Contains(frames[0], tileA().Key()) {
		t.Errorf("cancel frame must name the pending tile: %s", frames[0])
	}

	// Nothing pending anymore: a second cancel stays silent.
	b.CancelTileRequests(s)
	if len(child.framesWithPrefix("canceltiles ")) != 1 {
		t.Error("second cancel must not reach the kit")
	}
}

func TestInvalidateTilesDropsCachedEntries(t *testing.T) {
	b, _, s, _ := loadedBroker(t)
	_ = s

	desc := tileA()
	if _, err := b.tileCache.Save(desc, []byte{1}); err != nil {
		t.Fatal(err)
	}
	b.InvalidateTiles("part=0 x=0 y=0 width=100000 height=100000")
	if _, ok := b.tileCache.Lookup(desc); ok {
		t.Error("invalidated tile still cached")
	}
}

func TestSaveAckStillReachesClient(t *testing.T) {
	b, _, _, conn := loadedBroker(t)

	ack := `client-001 unocommandresult: {"commandName":".uno:Bold","success":true}`
	if !b.handleChildInput([]byte(ack)) {
		t.Fatal("dispatch failed")
	}
	waitFor(t, "result forwarded", func() bool {
		for _, f := range conn.textFrames() {
			if strings.HasPrefix(f, "unocommandresult: ") {
				return true
			}
		}
		return false
	})
	// Not a .uno:Save result: the save machinery must not have run.
	if b.lastSaveRequestTime.After(b.lastSaveTime) {
		t.Error("non-save command result must not start a save")
	}
}
