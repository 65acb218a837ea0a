package broker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"quill/server/internal/storage"
)

// autoSave decides whether a save should be issued and through which
// session. Returns true when a save command was dispatched to the kit.
func (b *Broker) autoSave(force bool) bool {
	b.assertCorrectThread()

	if b.sessionCount() == 0 || b.stor == nil || !b.isLoaded ||
		!b.child.IsAlive() || (!b.isModified && !force) {
		return false
	}

	// Prefer the document owner; otherwise the first session.
	var savingSessionID string
	for _, s := range b.sessionSnapshot() {
		if savingSessionID == "" {
			savingSessionID = s.id
		}
		if s.IsDocumentOwner() {
			savingSessionID = s.id
			break
		}
	}

	if force {
		log.Printf("broker %s: sending forced save command", b.docKey)
		return b.sendUnoSave(savingSessionID, true, true)
	}
	if b.isModified {
		now := time.Now()
		inactivity := now.Sub(b.lastActivityTime())
		sinceLastSave := now.Sub(b.lastSaveTime)
		if inactivity >= b.cfg.IdleSaveAfter || sinceLastSave >= b.cfg.AutoSaveAfter {
			log.Printf("broker %s: sending timed save command", b.docKey)
			return b.sendUnoSave(savingSessionID, true, true)
		}
	}
	return false
}

type unoSaveArg struct {
	Type  string `json:"type"`
	Value bool   `json:"value"`
}

// sendUnoSave starts the save: Idle -> Requested. The on-disk timestamp
// is invalidated so the acknowledgement path cannot skip persistence.
func (b *Broker) sendUnoSave(sessionID string, dontTerminateEdit, dontSaveIfUnmodified bool) bool {
	b.assertCorrectThread()

	if _, ok := b.sessionByID(sessionID); !ok {
		log.Printf("broker %s: cannot save, no session [%s]", b.docKey, sessionID)
		return false
	}

	b.lastFileModifiedTime = time.Time{}

	args := make(map[string]unoSaveArg)
	if dontTerminateEdit {
		args["DontTerminateEdit"] = unoSaveArg{Type: "boolean", Value: true}
	}
	if dontSaveIfUnmodified {
		args["DontSaveIfUnmodified"] = unoSaveArg{Type: "boolean", Value: true}
	}
	data, err := json.Marshal(args)
	if err != nil {
		log.Printf("broker %s: save args: %v", b.docKey, err)
		return false
	}

	if !b.forwardToChild(sessionID, "uno .uno:Save "+string(data)) {
		return false
	}
	b.lastSaveRequestTime = time.Now()
	return true
}

// SaveToStorage completes the save: Requested -> Acked. Invoked when the
// kit acknowledges the .uno:Save command, with its success flag and
// result token. Afterwards, sessions whose departure was deferred on the
// save are removed, and an empty or doomed broker stops.
func (b *Broker) SaveToStorage(ctx context.Context, sessionID string, success bool, result string) bool {
	b.assertCorrectThread()

	res := b.saveToStorageInternal(ctx, sessionID, success, result)

	if session, ok := b.sessionByID(sessionID); b.markToDestroy || (ok && session.IsCloseFrame()) {
		b.removeSessionInternal(sessionID)
	}
	if b.markToDestroy || b.sessionCount() == 0 {
		b.stopFlag.Store(true)
		b.wakeup()
	}
	return res
}

func (b *Broker) saveToStorageInternal(ctx context.Context, sessionID string, success bool, result string) bool {
	b.assertCorrectThread()

	log.Printf("broker %s: save ack from [%s], success=%v result=%q", b.docKey, sessionID, success, result)

	// The kit declined to save an unmodified document: a successful no-op.
	if !success && result == "unmodified" {
		b.lastSaveTime = time.Now()
		b.wakeup()
		return true
	}

	session, ok := b.sessionByID(sessionID)
	if !ok {
		log.Printf("broker %s: session [%s] not found while saving", b.docKey, sessionID)
		return false
	}
	accessToken := session.AccessToken()

	// Unchanged on disk and not the last editor leaving: skip the upload.
	newFileModifiedTime := b.jailedModTime()
	if !b.lastEditableSession && !newFileModifiedTime.IsZero() &&
		newFileModifiedTime.Equal(b.lastFileModifiedTime) {
		log.Printf("broker %s: skipping unnecessary storage save", b.docKey)
		b.lastSaveTime = time.Now()
		b.wakeup()
		return true
	}

	saveResult, err := b.stor.SaveFileToStorage(ctx, accessToken)
	if err != nil {
		log.Printf("broker %s: storage save: %v", b.docKey, err)
	}
	switch saveResult {
	case storage.SaveOK:
		b.isModified = false
		b.tileCache.SetUnsavedChanges(false)
		b.lastFileModifiedTime = newFileModifiedTime
		if err := b.tileCache.SaveLastModified(b.lastFileModifiedTime); err != nil {
			log.Printf("broker %s: cache modtime: %v", b.docKey, err)
		}
		b.lastSaveTime = time.Now()
		b.wakeup()

		// The storage's own timestamp moved; refresh so external
		// modification detection keeps working.
		if err := b.stor.RefreshFileInfo(ctx, accessToken); err != nil {
			log.Printf("broker %s: refresh file info: %v", b.docKey, err)
		} else {
			b.documentLastModifiedTime = b.stor.FileInfo().ModifiedTime
		}
		log.Printf("broker %s: saved to storage", b.docKey)
		return true

	case storage.SaveDiskFull:
		log.Printf("broker %s: disk full while saving, making all sessions read-only", b.docKey)
		for _, s := range b.sessionSnapshot() {
			s.SetReadOnly()
			s.SendTextFrame("error: cmd=storage kind=savediskfull")
		}

	case storage.SaveUnauthorized:
		log.Printf("broker %s: invalid or expired access token on save", b.docKey)
		session.SendTextFrame("error: cmd=storage kind=saveunauthorized")

	case storage.SaveFailed:
		log.Printf("broker %s: failed to save to storage", b.docKey)
		session.SendTextFrame("error: cmd=storage kind=savefailed")
	}
	return false
}

func (b *Broker) jailedModTime() time.Time {
	st, err := os.Stat(b.stor.RootFilePath())
	if err != nil {
		log.Printf("broker %s: stat jailed file: %v", b.docKey, err)
		return time.Time{}
	}
	return st.ModTime()
}

// saveAck is the kit's answer to a dispatched uno command.
type saveAck struct {
	CommandName string          `json:"commandName"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result"`
}

// handleUnoCommandResult intercepts .uno:Save acknowledgements on their
// way to the client and drives the save state machine.
func (b *Broker) handleUnoCommandResult(sessionID, payload string) {
	var ack saveAck
	if err := json.Unmarshal([]byte(payload), &ack); err != nil {
		log.Printf("broker %s: bad unocommandresult: %v", b.docKey, err)
		return
	}
	if ack.CommandName != ".uno:Save" {
		return
	}
	var result string
	if len(ack.Result) > 0 {
		if err := json.Unmarshal(ack.Result, &result); err != nil {
			result = string(ack.Result)
		}
	}
	b.SaveToStorage(context.Background(), sessionID, ack.Success, result)
}
