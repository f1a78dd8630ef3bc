package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const gcsPublicHost = "https://storage.googleapis.com"

// GCS は Google Cloud Storage に保存する BlobStore です（本番環境用）。
type GCS struct {
	client  *gcs.Client
	bucket  string
	baseURL string
	log     *zap.SugaredLogger
}

// NewGCS は GCS クライアントを作成します。Close はプロセス終了時に呼び出してください。
func NewGCS(ctx context.Context, bucket, baseURL string, log *zap.SugaredLogger, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if baseURL == "" {
		baseURL = gcsPublicHost + "/" + bucket
	}
	log.Infow("object storage initialized", "backend", "gcs", "bucket", bucket)
	return &GCS{client: client, bucket: bucket, baseURL: baseURL, log: log}, nil
}

// Put はデータを新しいキーでアップロードします。
func (g *GCS) Put(ctx context.Context, data []byte, contentType, keyPrefix string) (*Object, error) {
	key, contentType := newKey(data, contentType, keyPrefix)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return &Object{Key: key, URL: g.URL(key)}, nil
}

// Get はオブジェクトをダウンロードします。
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open GCS object %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", key, err)
	}
	return data, nil
}

// Delete はオブジェクトを削除します。存在しない場合は何もしません。
func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", key, err)
	}
	return nil
}

// URL はオブジェクトの公開URLを返します。
func (g *GCS) URL(key string) string {
	return joinURL(g.baseURL, key)
}

// Close はクライアントを閉じます。
func (g *GCS) Close() error {
	return g.client.Close()
}
