// Package storage adapts the document's backing store: a local filesystem
// path, a WOPI-style remote host, or an S3 bucket. Adapters download the
// document into the jail for the kit and upload the jailed copy on save.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrStorageSpaceLow   = errors.New("low disk space")
	ErrUnsupportedScheme = errors.New("no storage backend for URI scheme")
	ErrHostNotAllowed    = errors.New("storage host not allowed")
	ErrNotLoaded         = errors.New("storage file not loaded")
)

// FileInfo is the basic metadata every backend produces. A zero
// ModifiedTime means the timestamp is unknown.
type FileInfo struct {
	Filename     string
	OwnerID      string
	ModifiedTime time.Time
}

func (fi FileInfo) Valid() bool {
	return fi.Filename != ""
}

type SaveResult int

const (
	SaveOK SaveResult = iota
	SaveDiskFull
	SaveUnauthorized
	SaveFailed
)

func (r SaveResult) String() string {
	switch r {
	case SaveOK:
		return "ok"
	case SaveDiskFull:
		return "diskfull"
	case SaveUnauthorized:
		return "unauthorized"
	default:
		return "failed"
	}
}

// WopiInfo is the remote host's view of the document and user.
type WopiInfo struct {
	UserID            string
	UserName          string
	UserCanWrite      bool
	PostMessageOrigin string
	HidePrintOption   bool
	HideSaveOption    bool
	HideExportOption  bool
	DisablePrint      bool
	DisableExport     bool
	DisableCopy       bool
	Filename          string
	CallDuration      time.Duration
}

// LocalInfo is the user identity derived for non-WOPI backends.
type LocalInfo struct {
	UserID   string
	UserName string
}

// ExtendedInfo is a tagged variant: exactly one of Wopi or Local is set.
type ExtendedInfo struct {
	Wopi  *WopiInfo
	Local *LocalInfo
}

// Storage is the broker's contract with a backend. Implementations keep
// the latest FileInfo from the most recent metadata fetch.
type Storage interface {
	URI() string
	RootFilePath() string
	IsLoaded() bool
	FileInfo() FileInfo
	// RefreshFileInfo re-fetches metadata from the backend, updating the
	// value returned by FileInfo.
	RefreshFileInfo(ctx context.Context, accessToken string) error
	// GetExtendedInfo fetches backend-specific user/display metadata,
	// refreshing FileInfo as a side effect.
	GetExtendedInfo(ctx context.Context, accessToken string) (ExtendedInfo, error)
	// LoadFileToLocal downloads the document into the jail and returns the
	// jailed path.
	LoadFileToLocal(ctx context.Context, accessToken string) (string, error)
	// SaveFileToStorage uploads the jailed copy back to the backend.
	SaveFileToStorage(ctx context.Context, accessToken string) (SaveResult, error)
}

// Options configures the Create factory.
type Options struct {
	// WOPIHosts restricts http(s) storage to the named hosts. Empty
	// allows any.
	WOPIHosts []string

	// S3 connection settings; required for s3:// URIs.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// Create picks a backend for the public URI and binds it to the jail
// directory the kit will read from.
func Create(uri, jailRoot, jailPath string, opts Options) (Storage, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse storage uri: %w", err)
	}
	switch parsed.Scheme {
	case "", "file":
		return NewLocal(parsed, jailRoot, jailPath)
	case "http", "https":
		if !hostAllowed(parsed.Host, opts.WOPIHosts) {
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, parsed.Host)
		}
		return NewWopi(parsed, jailRoot, jailPath), nil
	case "s3":
		if opts.S3Endpoint == "" {
			return nil, fmt.Errorf("%w: s3 storage not configured", ErrUnsupportedScheme)
		}
		return NewS3(parsed, jailRoot, jailPath, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
}

func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	bare := host
	if i := strings.IndexByte(bare, ':'); i >= 0 {
		bare = bare[:i]
	}
	for _, a := range allowed {
		if a == host || a == bare {
			return true
		}
	}
	return false
}

// jailedDir is where the document lands inside the jail.
func jailedDir(jailRoot, jailPath string) string {
	return filepath.Join(jailRoot, jailPath)
}

// userFromQuery reads the identity non-WOPI backends take from the URI.
func userFromQuery(query url.Values) LocalInfo {
	info := LocalInfo{
		UserID:   query.Get("userid"),
		UserName: query.Get("username"),
	}
	if info.UserID == "" {
		info.UserID = "local"
	}
	if info.UserName == "" {
		info.UserName = "Local User"
	}
	return info
}
