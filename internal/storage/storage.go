// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrNotFound は指定キーのオブジェクトが存在しない場合に返されます。
var ErrNotFound = errors.New("storage: object not found")

// Object は保存済みオブジェクトのキーと取得用URLです。
type Object struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// BlobStore はバイト列の保存/取得を行うストレージです。
type BlobStore interface {
	Put(ctx context.Context, data []byte, contentType, keyPrefix string) (*Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// newKey はプレフィックス配下に一意なキーを払い出します。
// 拡張子は contentType（空ならデータの中身）から決定します。
func newKey(data []byte, contentType, keyPrefix string) (string, string) {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	ext := ""
	if mt := mimetype.Lookup(contentType); mt != nil {
		ext = mt.Extension()
	}
	prefix := strings.Trim(keyPrefix, "/")
	return path.Join(prefix, uuid.NewString()+ext), contentType
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
