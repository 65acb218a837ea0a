package broker

import (
	"fmt"
	"log"
	"strings"

	"quill/server/internal/proto"
	"quill/server/internal/tile"
)

// HandleTileRequest serves one tile: from the cache when rendered,
// otherwise by subscribing the session and asking the kit.
func (b *Broker) HandleTileRequest(desc tile.Desc, session *ClientSession) {
	b.assertCorrectThread()
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	b.tileVersion++
	desc.Ver = b.tileVersion

	if data, ok := b.tileCache.Lookup(desc); ok {
		session.SendBinaryFrame(framedTile(desc, data))
		return
	}

	first := false
	if desc.Broadcast {
		for id := range b.sessions {
			if b.tileCache.Subscribe(desc, id) {
				first = true
			}
		}
	} else {
		first = b.tileCache.Subscribe(desc, session.id)
	}
	if !first {
		// Another session already has this render in flight.
		return
	}

	request := desc.Serialize("tile")
	log.Printf("broker %s: requesting render %s", b.docKey, desc.Key())
	if err := b.child.SendFrame([]byte(request)); err != nil {
		log.Printf("broker %s: tile request: %v", b.docKey, err)
	}
}

// HandleTileCombinedRequest serves a batch: cache hits are answered
// immediately, the residual misses go to the kit as one tilecombine.
func (b *Broker) HandleTileCombinedRequest(combined tile.Combined, session *ClientSession) {
	b.assertCorrectThread()
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	var misses []tile.Desc
	for _, desc := range combined.Tiles {
		if data, ok := b.tileCache.Lookup(desc); ok {
			session.SendBinaryFrame(framedTile(desc, data))
			continue
		}
		b.tileVersion++
		desc.Ver = b.tileVersion
		if b.tileCache.Subscribe(desc, session.id) {
			misses = append(misses, desc)
		}
	}

	if len(misses) > 0 {
		request := tile.NewCombined(misses).Serialize("tilecombine")
		log.Printf("broker %s: requesting residual tilecombine of %d tiles", b.docKey, len(misses))
		if err := b.child.SendFrame([]byte(request)); err != nil {
			log.Printf("broker %s: tilecombine request: %v", b.docKey, err)
		}
	}
}

// CancelTileRequests drops the session's pending renders and tells the
// kit about the ones nobody else is waiting for.
func (b *Broker) CancelTileRequests(session *ClientSession) {
	b.assertCorrectThread()

	if frame := b.tileCache.CancelTiles(session.id); frame != "" {
		log.Printf("broker %s: forwarding %s", b.docKey, frame)
		if err := b.child.SendFrame([]byte(frame)); err != nil {
			log.Printf("broker %s: canceltiles: %v", b.docKey, err)
		}
	}
}

// InvalidateTiles drops cache entries matching the kit's invalidation
// selector. In-flight renders for those entries simply overwrite; the
// next request bumps the version anyway.
func (b *Broker) InvalidateTiles(selector string) {
	b.assertCorrectThread()

	if b.tileCache == nil {
		return
	}
	if err := b.tileCache.Invalidate(selector); err != nil {
		log.Printf("broker %s: invalidatetiles: %v", b.docKey, err)
	}
}

// HandleChildFrame implements FrameSink: kit traffic hops onto the loop.
func (b *Broker) HandleChildFrame(frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)
	b.AddCallback(func() { b.handleChildInput(data) })
}

// ChildTerminated implements FrameSink.
func (b *Broker) ChildTerminated() {
	b.AddCallback(b.childSocketTerminated)
}

// handleChildInput routes one inbound kit frame by its first token.
func (b *Broker) handleChildInput(frame []byte) bool {
	b.assertCorrectThread()

	line := proto.FirstLine(frame)
	token := proto.FirstToken(line)

	if name, _, ok := proto.NameValuePair(token, '-'); ok && name == "client" {
		return b.forwardToClient(frame)
	}

	switch token {
	case "tile:":
		b.handleTileResponse(frame)
	case "tilecombine:":
		b.handleTileCombinedResponse(frame)
	case "errortoall:":
		tokens := proto.Tokenize(line)
		cmd, okCmd := proto.TokenString(tokens, "cmd")
		kind, okKind := proto.TokenString(tokens, "kind")
		if !okCmd || !okKind || cmd == "" || kind == "" {
			log.Printf("broker %s: malformed errortoall: %s", b.docKey, line)
			return false
		}
		if b.deps.AlertAll != nil {
			b.deps.AlertAll(cmd, kind)
		} else {
			b.AlertAllUsers(cmd, kind)
		}
	case "procmemstats:":
		if dirty, ok := proto.TokenInt(proto.Tokenize(line), "dirty"); ok {
			b.deps.Admin.UpdateMemoryDirty(b.docKey, dirty)
		}
	default:
		log.Printf("broker %s: unexpected child message: %s", b.docKey, proto.Abbr(frame))
		return false
	}
	return true
}

// handleTileResponse stores one rendered tile and wakes its subscribers.
// Empty payloads are dropped; the tiles will be re-requested.
func (b *Broker) handleTileResponse(frame []byte) {
	line := proto.FirstLine(frame)
	if len(line) >= len(frame)-1 {
		log.Printf("broker %s: dropping empty tile response: %s", b.docKey, line)
		return
	}
	desc, err := tile.ParseDesc(line)
	if err != nil {
		log.Printf("broker %s: tile response: %v", b.docKey, err)
		return
	}
	payload := frame[len(line)+1:]

	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	b.saveTileAndNotify(desc, payload)
}

// handleTileCombinedResponse splits a combined payload at the imgsize
// boundaries declared in its header.
func (b *Broker) handleTileCombinedResponse(frame []byte) {
	line := proto.FirstLine(frame)
	if len(line) >= len(frame)-1 {
		log.Printf("broker %s: dropping empty tilecombine response: %s", b.docKey, line)
		return
	}
	combined, err := tile.ParseCombined(line)
	if err != nil {
		log.Printf("broker %s: tilecombine response: %v", b.docKey, err)
		return
	}

	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	offset := len(line) + 1
	for _, desc := range combined.Tiles {
		end := offset + desc.ImgSize
		if desc.ImgSize <= 0 || end > len(frame) {
			log.Printf("broker %s: tilecombine payload boundary out of range: %s", b.docKey, line)
			return
		}
		b.saveTileAndNotify(desc, frame[offset:end])
		offset = end
	}
}

// saveTileAndNotify stores the payload and delivers a framed copy to
// every subscriber. Callers hold sessionsMu.
func (b *Broker) saveTileAndNotify(desc tile.Desc, payload []byte) {
	subscribers, err := b.tileCache.Save(desc, payload)
	if err != nil {
		log.Printf("broker %s: cache tile %s: %v", b.docKey, desc.Key(), err)
		return
	}
	for _, id := range subscribers {
		session, ok := b.sessions[id]
		if !ok {
			continue
		}
		session.SendBinaryFrame(framedTile(desc, payload))
	}
}

func framedTile(desc tile.Desc, payload []byte) []byte {
	header := desc.Serialize("tile:") + "\n"
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// ForwardToChild relays a client message to the kit under the session's
// child- prefix. Load commands get the jailed URI spliced in, with the
// JSON options kept last.
func (b *Broker) ForwardToChild(viewID, message string) bool {
	b.assertCorrectThread()
	return b.forwardToChild(viewID, message)
}

func (b *Broker) forwardToChild(viewID, message string) bool {
	msg := "child-" + viewID + " " + message

	if _, ok := b.sessionByID(viewID); !ok {
		log.Printf("broker %s: child session [%s] not found to forward: %s", b.docKey, viewID, message)
		return false
	}

	tokens := proto.Tokenize(msg)
	if len(tokens) > 2 && tokens[1] == "load" {
		msg = tokens[0] + " " + tokens[1] + " " + tokens[2] +
			" jail=" + b.uriJailed + " " + strings.Join(tokens[3:], " ")
	}

	if err := b.child.SendFrame([]byte(msg)); err != nil {
		log.Printf("broker %s: forward to child: %v", b.docKey, err)
		return false
	}
	return true
}

// forwardToClient routes a "client-<sid>|all <payload>" frame from the
// kit to its session(s). Save acknowledgements are tapped on the way.
func (b *Broker) forwardToClient(frame []byte) bool {
	b.assertCorrectThread()

	text := string(frame)
	prefix, payload, _ := strings.Cut(text, " ")
	_, sid, ok := proto.NameValuePair(prefix, '-')
	if !ok {
		log.Printf("broker %s: unexpected forward prefix: %s", b.docKey, prefix)
		return false
	}

	b.interceptClientBound(payload)

	if sid == "all" {
		// Events may remove sessions mid-broadcast; iterate a snapshot.
		for _, session := range b.sessionSnapshot() {
			session.SendTextFrame(payload)
		}
		return true
	}

	// Hold the reference before dispatch: a save confirmation can remove
	// the session from the registry while it still must get this frame.
	session, ok := b.sessionByID(sid)
	if !ok {
		log.Printf("broker %s: client session [%s] not found to forward: %s", b.docKey, sid, proto.Abbr(frame))
		return false
	}

	if strings.HasPrefix(payload, "status:") {
		session.SetViewLoaded()
	}
	if strings.HasPrefix(payload, "unocommandresult: ") {
		b.handleUnoCommandResult(sid, strings.TrimPrefix(payload, "unocommandresult: "))
	}

	session.SendTextFrame(payload)
	return true
}

// interceptClientBound updates broker state driven by kit events on their
// way to the clients.
func (b *Broker) interceptClientBound(payload string) {
	switch {
	case strings.HasPrefix(payload, "status:"):
		// The kit answering status means the document is up.
		b.SetLoaded()
	case strings.HasPrefix(payload, "invalidatetiles: "):
		b.InvalidateTiles(strings.TrimPrefix(payload, "invalidatetiles: "))
	case payload == "statechanged: .uno:ModifiedStatus=true":
		b.SetModified(true)
	case payload == "statechanged: .uno:ModifiedStatus=false":
		b.SetModified(false)
	case strings.HasPrefix(payload, "invalidatecursor: "):
		var x, y, w, h int
		if _, err := fmt.Sscanf(strings.TrimPrefix(payload, "invalidatecursor: "),
			"%d,%d,%d,%d", &x, &y, &w, &h); err == nil {
			b.SetCursor(x, y, w, h)
		}
	}
}
