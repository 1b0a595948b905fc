package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JonMunkholm/fileparse/internal/config"
)

// minioPartSize bounds the memory used by a streaming PutObject.
const minioPartSize = 8 << 20

// Minio stores objects in an S3 compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio connects to the endpoint and creates the bucket if missing.
func NewMinio(ctx context.Context, cfg config.StorageConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	m := &Minio{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	if err := m.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context, region string) error {
	err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region})
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	if exists, errExists := m.client.BucketExists(ctx, m.bucket); errExists == nil && exists {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", m.bucket, err)
}

func (m *Minio) objectName(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if m.prefix == "" {
		return clean, nil
	}
	return m.prefix + "/" + clean, nil
}

// Put streams r to the bucket with unknown length, hashing on the way.
func (m *Minio) Put(ctx context.Context, key string, r io.Reader) (PutResult, error) {
	name, err := m.objectName(key)
	if err != nil {
		return PutResult{}, err
	}

	hasher := sha256.New()
	info, err := m.client.PutObject(ctx, m.bucket, name, io.TeeReader(r, hasher), -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    minioPartSize,
	})
	if err != nil {
		// Remove anything a partial attempt left behind.
		_ = m.client.RemoveObject(context.WithoutCancel(ctx), m.bucket, name, minio.RemoveObjectOptions{})
		return PutResult{}, fmt.Errorf("put %s: %w", key, err)
	}

	return PutResult{
		Size:     info.Size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open returns the object's reader after confirming it exists.
func (m *Minio) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := m.objectName(key)
	if err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes the object. S3 treats missing keys as success.
func (m *Minio) Delete(ctx context.Context, key string) error {
	name, err := m.objectName(key)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Ping checks the bucket is reachable.
func (m *Minio) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("minio ping: %w", err)
	}
	return nil
}
