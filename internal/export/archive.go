package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig describes the object storage bucket exports are copied to.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	LinkTTL   time.Duration
}

// Archive stores rendered exports in S3-compatible storage.
type Archive struct {
	client  *minio.Client
	bucket  string
	linkTTL time.Duration
}

func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Archive{client: client, bucket: cfg.Bucket, linkTTL: ttl}, nil
}

// Store uploads result under the document's prefix and returns a presigned
// download link.
func (a *Archive) Store(ctx context.Context, documentID string, result *Result) (string, error) {
	key := ObjectKey(documentID, result.Filename, time.Now().UTC())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(result.Data), int64(len(result.Data)), minio.PutObjectOptions{
		ContentType:        result.MimeType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", result.Filename),
	})
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	link, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.linkTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign export: %w", err)
	}
	return link.String(), nil
}

// ObjectKey names an archived export: exports/<doc>/<timestamp>-<file>.
func ObjectKey(documentID, filename string, at time.Time) string {
	return path.Join("exports", documentID, at.Format("20060102T150405Z")+"-"+filename)
}
