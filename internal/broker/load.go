package broker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quill/server/internal/perm"
	"quill/server/internal/storage"
	"quill/server/internal/tile"
)

var (
	ErrMarkedToDestroy = errors.New("document marked to destroy")
	ErrTokenReused     = errors.New("WOPI::CheckFileInfo failed")
)

// jailedPathEncoder escapes the characters the kit cannot open in file
// names. '%' must not be re-escaped after '#', hence the single pass.
var jailedPathEncoder = strings.NewReplacer("%", "%25", "#", "%23")

// load binds the session to the document: creates the storage adapter on
// first use, enforces one-shot tokens for remote storage, sends the
// wopi/perm frames and copies the file into the jail for the first loader.
func (b *Broker) load(ctx context.Context, session *ClientSession, jailID string) error {
	b.assertCorrectThread()

	log.Printf("broker %s: loading for session [%s] in jail [%s]", b.docKey, session.id, jailID)

	if b.markToDestroy {
		return ErrMarkedToDestroy
	}
	b.jailID = jailID

	// The public URL is not visible inside the chroot jail; the file is
	// copied under <childRoot>/<jailId>/user/docs/<jailId>.
	jailRoot := filepath.Join(b.cfg.ChildRoot, jailID)
	jailPath := filepath.Join("user", "docs", jailID)

	firstInstance := false
	if b.stor == nil {
		s, err := storage.Create(session.PublicURI().String(), jailRoot, jailPath, storage.Options{
			WOPIHosts:   b.cfg.WOPIHosts,
			S3Endpoint:  b.cfg.S3Endpoint,
			S3AccessKey: b.cfg.S3AccessKey,
			S3SecretKey: b.cfg.S3SecretKey,
			S3UseSSL:    b.cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("create storage for [%s]: %w", b.docKey, err)
		}
		b.stor = s
		firstInstance = true
	}

	query := session.PublicURI().Query()
	scheme := session.PublicURI().Scheme
	isRemote := scheme == "http" || scheme == "https"

	var infoCallDuration time.Duration
	if isRemote {
		// One-shot token acceptance, unless the document password gate
		// vouches for the reuse.
		if query.Get("docpass") != "yes" {
			fresh, err := b.deps.Ledger.TokenUsed(ctx, session.AccessToken())
			if err != nil {
				return fmt.Errorf("token ledger: %w", err)
			}
			if !fresh {
				return ErrTokenReused
			}
		}

		ext, err := b.stor.GetExtendedInfo(ctx, session.AccessToken())
		if err != nil {
			return err
		}
		wopi := ext.Wopi
		if wopi == nil {
			return fmt.Errorf("remote storage returned no WOPI info for [%s]", b.docKey)
		}
		if !wopi.UserCanWrite {
			session.SetReadOnly()
		}
		session.setUser(wopi.UserID, wopi.UserName)

		b.sendPermissionMask(session, permissionFromQuery(query))
		b.sendWopiInfo(session, wopi)

		if wopi.UserID == b.stor.FileInfo().OwnerID {
			log.Printf("broker %s: session [%s] is the document owner", b.docKey, session.id)
			session.setDocumentOwner(true)
		}
		infoCallDuration = wopi.CallDuration
	} else {
		permission := permissionFromQuery(query)
		if rdid := query.Get("rdid"); rdid != "" {
			permission = "convview"
			// The conversion view carries its display title in rdid.
			session.SendTextFrame(rdid)
		}
		b.sendPermissionMask(session, permission)

		ext, err := b.stor.GetExtendedInfo(ctx, session.AccessToken())
		if err != nil {
			return err
		}
		if ext.Local != nil {
			session.setUser(ext.Local.UserID, ext.Local.UserName)
		}
	}

	fileInfo := b.stor.FileInfo()
	if !fileInfo.Valid() {
		return fmt.Errorf("invalid file info for [%s]", session.PublicURI())
	}

	if firstInstance {
		b.documentLastModifiedTime = fileInfo.ModifiedTime
	} else if !b.documentLastModifiedTime.IsZero() && !fileInfo.ModifiedTime.IsZero() &&
		!b.documentLastModifiedTime.Equal(fileInfo.ModifiedTime) {
		// External modification; keep serving the copy we have.
		log.Printf("broker %s: document modified behind our back, URI [%s]", b.docKey, session.PublicURI())
	}

	var downloadDuration time.Duration
	if !b.stor.IsLoaded() {
		start := time.Now()
		localPath, err := b.stor.LoadFileToLocal(ctx, session.AccessToken())
		if err != nil {
			if errors.Is(err, storage.ErrStorageSpaceLow) {
				b.AlertAllUsers("internal", "diskfull")
			}
			return err
		}
		downloadDuration = time.Since(start)

		if sum, err := hashFile(localPath); err == nil {
			log.Printf("broker %s: loaded [%s], sha1 %s", b.docKey, localPath, sum)
		}

		b.uriJailed = "file://" + jailedPathEncoder.Replace(localPath)
		b.filename = fileInfo.Filename

		st, err := os.Stat(b.stor.RootFilePath())
		if err != nil {
			return fmt.Errorf("stat jailed file: %w", err)
		}
		b.lastFileModifiedTime = st.ModTime()

		cache, err := tile.New(b.stor.URI(), b.lastFileModifiedTime, b.cfg.CacheRoot)
		if err != nil {
			return fmt.Errorf("open tile cache: %w", err)
		}
		b.tileCache = cache
	}

	if isRemote {
		total := infoCallDuration + downloadDuration
		session.SendTextFrame(fmt.Sprintf("stats: wopiloadduration %.3f", total.Seconds()))
	}
	return nil
}

func permissionFromQuery(query url.Values) string {
	if p := query.Get("permission"); p != "" {
		return p
	}
	return "edit"
}

// sendPermissionMask projects the policy XML for the session's permission
// and sends it as "perm: <json>". A missing policy file is logged, not
// fatal; the client falls back to its defaults.
func (b *Broker) sendPermissionMask(session *ClientSession, permission string) {
	policy, err := perm.LoadPolicy(b.cfg.PermPath)
	if err != nil {
		log.Printf("broker %s: permission policy: %v", b.docKey, err)
		return
	}
	mask, err := policy.ProjectJSON(permission)
	if err != nil {
		log.Printf("broker %s: permission mask: %v", b.docKey, err)
		return
	}
	session.SendTextFrame("perm: " + mask)
}

// sendWopiInfo relays the host's display properties. Sent immediately so
// a failed load can still reach the embedding frame via PostMessage.
func (b *Broker) sendWopiInfo(session *ClientSession, info *storage.WopiInfo) {
	origin := info.PostMessageOrigin
	if b.cfg.SSLEnabled && strings.HasPrefix(origin, "http://") {
		origin = "https://" + strings.TrimPrefix(origin, "http://")
	}

	payload := map[string]any{
		"HidePrintOption":  info.HidePrintOption,
		"HideSaveOption":   info.HideSaveOption,
		"HideExportOption": info.HideExportOption,
		"DisablePrint":     info.DisablePrint,
		"DisableExport":    info.DisableExport,
		"DisableCopy":      info.DisableCopy,
		"title":            info.Filename,
	}
	if origin != "" {
		payload["PostMessageOrigin"] = origin
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broker %s: wopi info: %v", b.docKey, err)
		return
	}
	session.SendTextFrame("wopi: " + string(data))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
