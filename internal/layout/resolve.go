package layout

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Fetcher はストレージからオブジェクトを取得します。
type Fetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ResolveError は解決できなかった参照の情報です。
type ResolveError struct {
	Key string
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Key, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Resolver はページ内のストレージ参照を data URI に置き換えます。
type Resolver struct {
	blobs   Fetcher
	baseURL string
}

// NewResolver は Resolver を作成します。
// baseURL を指定すると、そのURL配下を指す src もストレージ参照として扱います。
func NewResolver(blobs Fetcher, baseURL string) *Resolver {
	return &Resolver{blobs: blobs, baseURL: strings.TrimRight(baseURL, "/")}
}

// BlobKey は src がストレージ参照であればそのキーを返します。
func (r *Resolver) BlobKey(src string) (string, bool) {
	if key, ok := strings.CutPrefix(src, BlobScheme); ok && key != "" {
		return key, true
	}
	if r.baseURL != "" {
		if key, ok := strings.CutPrefix(src, r.baseURL+"/"); ok && key != "" {
			return key, true
		}
	}
	return "", false
}

// Resolve はページのコピーを返し、参照は取得できたものだけ置き換えます。
// 同じキーは1回の呼び出しにつき1度しか取得しません。
// 取得に失敗した参照は元の値のまま残し、エラーとして返します。
func (r *Resolver) Resolve(ctx context.Context, page Page) (Page, []error) {
	out := page.Clone()

	type fetched struct {
		uri string
		err error
	}
	cache := make(map[string]fetched)
	var errs []error

	for i, item := range out.Items {
		if item.Type != ItemImage {
			continue
		}
		key, ok := r.BlobKey(item.Src)
		if !ok {
			continue
		}
		f, seen := cache[key]
		if !seen {
			data, err := r.blobs.Get(ctx, key)
			if err != nil {
				f = fetched{err: err}
				errs = append(errs, &ResolveError{Key: key, Err: err})
			} else {
				f = fetched{uri: dataURI(data)}
			}
			cache[key] = f
		}
		if f.err != nil {
			continue
		}
		out.Items[i].Src = f.uri
	}
	return out, errs
}

func dataURI(data []byte) string {
	mt := mimetype.Detect(data)
	return "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI は data URI を MIME タイプとバイト列に分解します。
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data uri")
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return mediaType, []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	return mediaType, data, nil
}
