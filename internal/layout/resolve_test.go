package layout

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubFetcher struct {
	objects map[string][]byte
	calls   map[string]int
}

func (f *stubFetcher) Get(ctx context.Context, key string) ([]byte, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[key]++
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object missing")
	}
	return data, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestResolveKeepsFailedReference(t *testing.T) {
	fetcher := &stubFetcher{objects: map[string][]byte{"assets/logo.png": pngHeader}}
	resolver := NewResolver(fetcher, "")

	page := Page{Items: []Item{
		{Type: ItemImage, Src: "blob://assets/logo.png"},
		{Type: ItemImage, Src: "blob://assets/missing.png"},
	}}

	resolved, errs := resolver.Resolve(context.Background(), page)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	var resolveErr *ResolveError
	if !errors.As(errs[0], &resolveErr) || resolveErr.Key != "assets/missing.png" {
		t.Fatalf("unexpected error: %v", errs[0])
	}
	if !strings.HasPrefix(resolved.Items[0].Src, "data:image/png;base64,") {
		t.Fatalf("first reference should be inlined, got %q", resolved.Items[0].Src)
	}
	if resolved.Items[1].Src != "blob://assets/missing.png" {
		t.Fatalf("failed reference should be preserved, got %q", resolved.Items[1].Src)
	}
	if page.Items[0].Src != "blob://assets/logo.png" {
		t.Fatal("Resolve must not mutate the input page")
	}
}

func TestResolveFetchesEachKeyOnce(t *testing.T) {
	fetcher := &stubFetcher{objects: map[string][]byte{"a.png": pngHeader}}
	resolver := NewResolver(fetcher, "https://cdn.example.com/prints")

	page := Page{Items: []Item{
		{Type: ItemImage, Src: "blob://a.png"},
		{Type: ItemImage, Src: "https://cdn.example.com/prints/a.png"},
		{Type: ItemImage, Src: "blob://gone.png"},
		{Type: ItemImage, Src: "blob://gone.png"},
		{Type: ItemImage, Src: "https://elsewhere.example.com/a.png"},
		{Type: ItemText, Text: "blob://a.png"},
	}}

	resolved, errs := resolver.Resolve(context.Background(), page)
	if fetcher.calls["a.png"] != 1 {
		t.Fatalf("a.png fetched %d times, want 1", fetcher.calls["a.png"])
	}
	if fetcher.calls["gone.png"] != 1 {
		t.Fatalf("gone.png fetched %d times, want 1", fetcher.calls["gone.png"])
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error per failing key, got %d", len(errs))
	}
	if resolved.Items[0].Src != resolved.Items[1].Src {
		t.Fatal("both references to a.png should resolve to the same data uri")
	}
	if resolved.Items[4].Src != "https://elsewhere.example.com/a.png" {
		t.Fatalf("foreign url should be left alone, got %q", resolved.Items[4].Src)
	}
	if resolved.Items[5].Text != "blob://a.png" {
		t.Fatal("text items must not be resolved")
	}
}

func TestDecodeDataURI(t *testing.T) {
	uri := dataURI(pngHeader)
	mediaType, data, err := DecodeDataURI(uri)
	if err != nil {
		t.Fatalf("DecodeDataURI returned error: %v", err)
	}
	if mediaType != "image/png" {
		t.Fatalf("mediaType = %q", mediaType)
	}
	if string(data) != string(pngHeader) {
		t.Fatal("decoded payload mismatch")
	}
}

func TestValidateRejectsInlinePayload(t *testing.T) {
	page := Page{Items: []Item{{Type: ItemImage, Src: "data:image/png;base64,AAAA"}}}
	if err := page.Validate(); err == nil {
		t.Fatal("expected inline payload to be rejected")
	}
	page = Page{Items: []Item{{Type: "video"}}}
	if err := page.Validate(); err == nil {
		t.Fatal("expected unsupported type to be rejected")
	}
	page = Page{Items: []Item{{Type: ItemText, Text: "hi"}, {Type: ItemImage, Src: "blob://k"}}}
	if err := page.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}
