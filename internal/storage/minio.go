package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	miniosdk "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// presignExpiry bounds how long a generated private-object URL remains
// valid.
const presignExpiry = 24 * time.Hour

// MinioBlob implements Blob over a MinIO (or S3-compatible) bucket.
// Adapted from the teacher's shared/minio.Client + shared/storage.Service
// pair, collapsed into a single collaborator scoped to the Blob
// contract.
type MinioBlob struct {
	client       *miniosdk.Client
	publicClient *miniosdk.Client
	bucket       string
	publicRead   bool
}

// NewMinioBlob creates a MinioBlob, creating the configured bucket if it
// does not already exist.
func NewMinioBlob(cfg config.MinIOConfig) (*MinioBlob, error) {
	client, err := miniosdk.New(cfg.Endpoint, &miniosdk.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "create MinIO client", err)
	}

	publicClient := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		publicClient, err = miniosdk.New(cfg.PublicEndpoint, &miniosdk.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, "create public MinIO client", err)
		}
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "check bucket existence", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, miniosdk.MakeBucketOptions{}); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "create bucket", err)
		}
	}

	return &MinioBlob{client: client, publicClient: publicClient, bucket: cfg.Bucket}, nil
}

func (m *MinioBlob) Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), miniosdk.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, "put object", err)
	}

	if publicRead {
		return fmt.Sprintf("%s/%s/%s", m.publicClient.EndpointURL().String(), m.bucket, key), nil
	}

	url, err := m.publicClient.PresignedGetObject(ctx, m.bucket, key, presignExpiry, nil)
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, "generate presigned url", err)
	}
	return url.String(), nil
}

func (m *MinioBlob) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, miniosdk.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := miniosdk.ToErrorResponse(err)
	if resp.StatusCode == 404 {
		return false, nil
	}
	return false, errs.Wrap(errs.KindStorage, "stat object", err)
}

func (m *MinioBlob) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, miniosdk.RemoveObjectOptions{}); err != nil {
		return errs.Wrap(errs.KindStorage, "delete object", err)
	}
	return nil
}

var _ Blob = (*MinioBlob)(nil)
