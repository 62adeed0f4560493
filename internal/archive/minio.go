// Package archive copies approved version snapshots to object storage so the
// audit trail survives independently of the database.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"atrium/api/internal/presence"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Archiver struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// StoreSnapshot writes one immutable snapshot payload. Object keys encode
// tenant, entity and version, so re-archiving the same version overwrites
// with identical content.
func (a *Archiver) StoreSnapshot(ctx context.Context, ref presence.EntityRef, version uint64, payload []byte) error {
	key := fmt.Sprintf("%s/%s/%s/v%d.json", ref.Tenant, ref.Type, ref.ID, version)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive snapshot %s: %w", key, err)
	}
	return nil
}
