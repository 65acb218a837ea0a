package storage

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 serves documents from an S3-compatible object store. The document
// URI names bucket and key: s3://bucket/path/to/doc.odt.
type S3 struct {
	uri      *url.URL
	bucket   string
	key      string
	jailDir  string
	client   *minio.Client
	fileInfo FileInfo
	loaded   bool
}

func NewS3(uri *url.URL, jailRoot, jailPath string, opts Options) (*S3, error) {
	bucket := uri.Host
	key := strings.TrimPrefix(uri.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 storage: bucket or key missing in %s", uri)
	}
	client, err := minio.New(opts.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.S3AccessKey, opts.S3SecretKey, ""),
		Secure: opts.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3{
		uri:     uri,
		bucket:  bucket,
		key:     key,
		jailDir: jailedDir(jailRoot, jailPath),
		client:  client,
	}, nil
}

func (s *S3) URI() string { return s.uri.String() }

func (s *S3) RootFilePath() string {
	return filepath.Join(s.jailDir, filepath.Base(s.key))
}

func (s *S3) IsLoaded() bool { return s.loaded }

func (s *S3) FileInfo() FileInfo { return s.fileInfo }

func (s *S3) RefreshFileInfo(ctx context.Context, accessToken string) error {
	stat, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3 stat %s/%s: %w", s.bucket, s.key, err)
	}
	owner := stat.UserMetadata["Owner"]
	s.fileInfo = FileInfo{
		Filename:     filepath.Base(s.key),
		OwnerID:      owner,
		ModifiedTime: stat.LastModified,
	}
	return nil
}

func (s *S3) GetExtendedInfo(ctx context.Context, accessToken string) (ExtendedInfo, error) {
	if err := s.RefreshFileInfo(ctx, accessToken); err != nil {
		return ExtendedInfo{}, err
	}
	info := userFromQuery(s.uri.Query())
	return ExtendedInfo{Local: &info}, nil
}

func (s *S3) LoadFileToLocal(ctx context.Context, accessToken string) (string, error) {
	if !s.fileInfo.Valid() {
		if err := s.RefreshFileInfo(ctx, accessToken); err != nil {
			return "", err
		}
	}
	dst := s.RootFilePath()
	if err := s.client.FGetObject(ctx, s.bucket, s.key, dst, minio.GetObjectOptions{}); err != nil {
		return "", wrapDiskErr("s3 download", err)
	}
	s.loaded = true
	return dst, nil
}

func (s *S3) SaveFileToStorage(ctx context.Context, accessToken string) (SaveResult, error) {
	if !s.loaded {
		return SaveFailed, ErrNotLoaded
	}
	_, err := s.client.FPutObject(ctx, s.bucket, s.key, s.RootFilePath(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err == nil {
		return SaveOK, nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "XMinioStorageFull", "QuotaExceeded":
		return SaveDiskFull, err
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return SaveUnauthorized, err
	default:
		return SaveFailed, err
	}
}
