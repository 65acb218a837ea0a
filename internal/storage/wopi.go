package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Wopi talks to a WOPI-style remote host: CheckFileInfo for metadata,
// GET /contents for download, POST /contents for upload.
type Wopi struct {
	uri      *url.URL
	jailDir  string
	client   *http.Client
	fileInfo FileInfo
	loaded   bool

	// Durations of the last CheckFileInfo and download calls, reported
	// to clients as "stats: wopiloadduration".
	infoCallDuration time.Duration
	loadDuration     time.Duration
}

type wopiFileInfoJSON struct {
	BaseFileName      string `json:"BaseFileName"`
	OwnerID           string `json:"OwnerId"`
	UserID            string `json:"UserId"`
	UserFriendlyName  string `json:"UserFriendlyName"`
	UserCanWrite      bool   `json:"UserCanWrite"`
	PostMessageOrigin string `json:"PostMessageOrigin"`
	HidePrintOption   bool   `json:"HidePrintOption"`
	HideSaveOption    bool   `json:"HideSaveOption"`
	HideExportOption  bool   `json:"HideExportOption"`
	DisablePrint      bool   `json:"DisablePrint"`
	DisableExport     bool   `json:"DisableExport"`
	DisableCopy       bool   `json:"DisableCopy"`
	LastModifiedTime  string `json:"LastModifiedTime"`
}

func NewWopi(uri *url.URL, jailRoot, jailPath string) *Wopi {
	return &Wopi{
		uri:     uri,
		jailDir: jailedDir(jailRoot, jailPath),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Wopi) URI() string { return w.uri.String() }

func (w *Wopi) RootFilePath() string {
	name := w.fileInfo.Filename
	if name == "" {
		name = filepath.Base(w.uri.Path)
	}
	return filepath.Join(w.jailDir, name)
}

func (w *Wopi) IsLoaded() bool { return w.loaded }

func (w *Wopi) FileInfo() FileInfo { return w.fileInfo }

// LoadDuration reports how long the last download took.
func (w *Wopi) LoadDuration() time.Duration { return w.loadDuration }

// endpoint builds a request URL from the file URI, an optional subpath
// and the access token.
func (w *Wopi) endpoint(subpath, accessToken string) string {
	u := *w.uri
	u.Path += subpath
	q := u.Query()
	if accessToken != "" {
		q.Set("access_token", accessToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *Wopi) checkFileInfo(ctx context.Context, accessToken string) (*wopiFileInfoJSON, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint("", accessToken), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("WOPI::CheckFileInfo failed: %w", err)
	}
	defer resp.Body.Close()
	w.infoCallDuration = time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("WOPI::CheckFileInfo failed: status %d", resp.StatusCode)
	}
	var info wopiFileInfoJSON
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("WOPI::CheckFileInfo failed: %w", err)
	}
	if info.BaseFileName == "" {
		return nil, fmt.Errorf("WOPI::CheckFileInfo failed: no BaseFileName")
	}

	modified := time.Time{}
	if info.LastModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, info.LastModifiedTime); err == nil {
			modified = t
		}
	}
	w.fileInfo = FileInfo{
		Filename:     info.BaseFileName,
		OwnerID:      info.OwnerID,
		ModifiedTime: modified,
	}
	return &info, nil
}

func (w *Wopi) RefreshFileInfo(ctx context.Context, accessToken string) error {
	_, err := w.checkFileInfo(ctx, accessToken)
	return err
}

func (w *Wopi) GetExtendedInfo(ctx context.Context, accessToken string) (ExtendedInfo, error) {
	info, err := w.checkFileInfo(ctx, accessToken)
	if err != nil {
		return ExtendedInfo{}, err
	}
	return ExtendedInfo{Wopi: &WopiInfo{
		UserID:            info.UserID,
		UserName:          info.UserFriendlyName,
		UserCanWrite:      info.UserCanWrite,
		PostMessageOrigin: info.PostMessageOrigin,
		HidePrintOption:   info.HidePrintOption,
		HideSaveOption:    info.HideSaveOption,
		HideExportOption:  info.HideExportOption,
		DisablePrint:      info.DisablePrint,
		DisableExport:     info.DisableExport,
		DisableCopy:       info.DisableCopy,
		Filename:          info.BaseFileName,
		CallDuration:      w.infoCallDuration,
	}}, nil
}

func (w *Wopi) LoadFileToLocal(ctx context.Context, accessToken string) (string, error) {
	if !w.fileInfo.Valid() {
		if err := w.RefreshFileInfo(ctx, accessToken); err != nil {
			return "", err
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint("/contents", accessToken), nil)
	if err != nil {
		return "", err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("WOPI::GetFile failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("WOPI::GetFile failed: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(w.jailDir, 0o755); err != nil {
		return "", wrapDiskErr("create jail dir", err)
	}
	dst := w.RootFilePath()
	out, err := os.Create(dst)
	if err != nil {
		return "", wrapDiskErr("create jailed file", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return "", wrapDiskErr("download to jail", err)
	}
	if err := out.Close(); err != nil {
		return "", wrapDiskErr("download to jail", err)
	}
	w.loadDuration = time.Since(start)
	w.loaded = true
	return dst, nil
}

func (w *Wopi) SaveFileToStorage(ctx context.Context, accessToken string) (SaveResult, error) {
	if !w.loaded {
		return SaveFailed, ErrNotLoaded
	}
	data, err := os.ReadFile(w.RootFilePath())
	if err != nil {
		return SaveFailed, fmt.Errorf("read jailed file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint("/contents", accessToken), bytes.NewReader(data))
	if err != nil {
		return SaveFailed, err
	}
	req.Header.Set("X-WOPI-Override", "PUT")
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := w.client.Do(req)
	if err != nil {
		return SaveFailed, fmt.Errorf("WOPI::PutFile failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return SaveOK, nil
	case resp.StatusCode == http.StatusInsufficientStorage:
		return SaveDiskFull, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SaveUnauthorized, nil
	default:
		return SaveFailed, fmt.Errorf("WOPI::PutFile failed: status %d", resp.StatusCode)
	}
}
