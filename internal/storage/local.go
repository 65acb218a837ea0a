package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
)

// Local serves documents straight from the host filesystem. Used for
// file:// URIs and convert-to style one-shot loads.
type Local struct {
	uri      *url.URL
	path     string
	jailDir  string
	fileInfo FileInfo
	loaded   bool
}

func NewLocal(uri *url.URL, jailRoot, jailPath string) (*Local, error) {
	path := uri.Path
	if path == "" {
		return nil, fmt.Errorf("local storage: empty path in %s", uri)
	}
	return &Local{
		uri:     uri,
		path:    path,
		jailDir: jailedDir(jailRoot, jailPath),
	}, nil
}

func (l *Local) URI() string { return l.uri.String() }

func (l *Local) RootFilePath() string {
	return filepath.Join(l.jailDir, filepath.Base(l.path))
}

func (l *Local) IsLoaded() bool { return l.loaded }

func (l *Local) FileInfo() FileInfo { return l.fileInfo }

func (l *Local) RefreshFileInfo(ctx context.Context, accessToken string) error {
	st, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}
	l.fileInfo = FileInfo{
		Filename:     filepath.Base(l.path),
		OwnerID:      "local",
		ModifiedTime: st.ModTime(),
	}
	return nil
}

func (l *Local) GetExtendedInfo(ctx context.Context, accessToken string) (ExtendedInfo, error) {
	if err := l.RefreshFileInfo(ctx, accessToken); err != nil {
		return ExtendedInfo{}, err
	}
	info := userFromQuery(l.uri.Query())
	return ExtendedInfo{Local: &info}, nil
}

func (l *Local) LoadFileToLocal(ctx context.Context, accessToken string) (string, error) {
	if err := l.RefreshFileInfo(ctx, accessToken); err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.jailDir, 0o755); err != nil {
		return "", wrapDiskErr("create jail dir", err)
	}
	dst := l.RootFilePath()
	if err := copyFile(l.path, dst); err != nil {
		return "", wrapDiskErr("copy to jail", err)
	}
	l.loaded = true
	return dst, nil
}

func (l *Local) SaveFileToStorage(ctx context.Context, accessToken string) (SaveResult, error) {
	if !l.loaded {
		return SaveFailed, ErrNotLoaded
	}
	if err := copyFile(l.RootFilePath(), l.path); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return SaveDiskFull, err
		}
		return SaveFailed, err
	}
	return SaveOK, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func wrapDiskErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w", op, ErrStorageSpaceLow)
	}
	return fmt.Errorf("%s: %w", op, err)
}
