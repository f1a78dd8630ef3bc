// Package layout はページレイアウトの型と、ストレージ参照の解決を提供します。
package layout

import (
	"fmt"
	"strings"
)

// ItemType はレイアウト要素の種別です。
type ItemType string

const (
	ItemText  ItemType = "text"
	ItemImage ItemType = "image"
	ItemBox   ItemType = "box"
)

// BlobScheme はストレージ上のオブジェクトを指す参照のスキームです。
const BlobScheme = "blob://"

// Item はページ上の1要素です。座標はポイント単位、原点は左上です。
type Item struct {
	Type     ItemType `json:"type"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    float64  `json:"width,omitempty"`
	Height   float64  `json:"height,omitempty"`
	Text     string   `json:"text,omitempty"`
	Font     string   `json:"font,omitempty"`
	FontSize float64  `json:"fontSize,omitempty"`
	Color    string   `json:"color,omitempty"`
	Src      string   `json:"src,omitempty"`
}

// Page は1ページ分のレイアウトです。
type Page struct {
	Paper string `json:"paper,omitempty"`
	Items []Item `json:"items"`
}

// Clone は Items を複製したコピーを返します。
func (p Page) Clone() Page {
	out := p
	out.Items = append([]Item(nil), p.Items...)
	return out
}

// Validate はタスクに載せられる軽量なレイアウトかどうかを検証します。
// 画像はストレージ参照で渡し、data URI 等のバイナリを直接含めてはいけません。
func (p Page) Validate() error {
	for i, item := range p.Items {
		switch item.Type {
		case ItemText, ItemBox:
		case ItemImage:
			if strings.TrimSpace(item.Src) == "" {
				return fmt.Errorf("item %d: image src is required", i)
			}
			if strings.HasPrefix(item.Src, "data:") {
				return fmt.Errorf("item %d: inline image payloads are not allowed", i)
			}
		default:
			return fmt.Errorf("item %d: unsupported item type %q", i, item.Type)
		}
	}
	return nil
}
