package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local はローカルファイルシステムへ保存する BlobStore です（開発環境用）。
type Local struct {
	root    string
	baseURL string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root, baseURL string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if baseURL == "" {
		baseURL = "/blobs"
	}
	return &Local{root: root, baseURL: baseURL}, nil
}

// Put はデータを新しいキーで保存します。
func (l *Local) Put(ctx context.Context, data []byte, contentType, keyPrefix string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, _ := newKey(data, contentType, keyPrefix)
	p, err := l.pathFor(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to commit blob: %w", err)
	}
	return &Object{Key: key, URL: l.URL(key)}, nil
}

// Get はキーに対応するデータを読み込みます。
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// Delete はキーに対応するデータを削除します。存在しない場合は何もしません。
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// URL はキーの取得用URLを返します。
func (l *Local) URL(key string) string {
	return joinURL(l.baseURL, key)
}

func (l *Local) pathFor(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid blob key: %q", key)
	}
	return filepath.Join(l.root, clean), nil
}
