package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig describes the object store holding snapshots.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Keep is how many snapshots per document survive pruning.
	Keep int
}

// MinIO stores snapshots as objects under
// documents/<id>/snapshots/<position>.snap, zero-padded so lexical order is
// position order.
type MinIO struct {
	client *minio.Client
	bucket string
	keep   int
}

func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
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
	keep := cfg.Keep
	if keep <= 0 {
		keep = 3
	}
	return &MinIO{client: client, bucket: cfg.Bucket, keep: keep}, nil
}

func snapshotPrefix(documentID string) string {
	return "documents/" + documentID + "/snapshots/"
}

func objectKey(snap Snapshot) string {
	return fmt.Sprintf("%s%020d.snap", snapshotPrefix(snap.DocumentID), uint64(snap.Position))
}

func (m *MinIO) Save(ctx context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, objectKey(snap), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", objectKey(snap), err)
	}
	m.prune(ctx, snap.DocumentID)
	return nil
}

func (m *MinIO) keys(ctx context.Context, documentID string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    snapshotPrefix(documentID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list snapshots: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".snap") {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MinIO) Latest(ctx context.Context, documentID string) (Snapshot, error) {
	keys, err := m.keys(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(keys) == 0 {
		return Snapshot{}, ErrNotFound
	}
	key := keys[len(keys)-1]
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return Decode(data)
}

// prune removes all but the newest snapshots of a document. Failures are
// logged; stale snapshots are harmless.
func (m *MinIO) prune(ctx context.Context, documentID string) {
	keys, err := m.keys(ctx, documentID)
	if err != nil {
		log.Printf("snapshot: prune %s: %v", documentID, err)
		return
	}
	if len(keys) <= m.keep {
		return
	}
	for _, key := range keys[:len(keys)-m.keep] {
		if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			log.Printf("snapshot: remove %s: %v", key, err)
		}
	}
}

// Ping checks that the bucket is reachable.
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}
