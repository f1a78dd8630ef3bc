// Package pdf はページ描画とPDF結合を pdfcpu で提供します。
package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/print-forge/internal/layout"
)

const (
	defaultPaper    = "A4P"
	defaultFont     = "Helvetica"
	defaultFontSize = 12
)

// Renderer は1ページ分のレイアウトから1ページのPDFを生成します。
// pdfcpu の設定とワークスペースを共有するため、呼び出しは直列化されます。
type Renderer struct {
	mu      sync.Mutex
	paper   string
	workDir string
}

// NewRenderer は Renderer を作成します。
func NewRenderer(paper, workDir string) (*Renderer, error) {
	if paper == "" {
		paper = defaultPaper
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create render work dir: %w", err)
	}
	return &Renderer{paper: paper, workDir: workDir}, nil
}

// RenderPage はレイアウトを描画し、PDFのバイト列を返します。
// 未解決のストレージ参照（data URI 以外の画像）は描画対象から外します。
func (r *Renderer) RenderPage(ctx context.Context, page layout.Page) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ws, err := createWorkspace(r.workDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = removeDir(ws.dir)
	}()

	doc, err := r.buildDocument(ws, page)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page description: %w", err)
	}

	var out bytes.Buffer
	conf := model.NewDefaultConfiguration()
	if err := pdfapi.Create(nil, bytes.NewReader(body), &out, conf); err != nil {
		return nil, newError("RENDER_FAILED", "ページの描画に失敗しました。", err)
	}
	return out.Bytes(), nil
}

// createDoc は pdfcpu の create 用 JSON の最小構成です。
type createDoc struct {
	Paper  string                 `json:"paper"`
	Origin string                 `json:"origin"`
	Pages  map[string]*createPage `json:"pages"`
}

type createPage struct {
	Content createContent `json:"content"`
}

type createContent struct {
	Text  []createText  `json:"text,omitempty"`
	Image []createImage `json:"image,omitempty"`
	Box   []createBox   `json:"box,omitempty"`
}

type createFont struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Color string `json:"col,omitempty"`
}

type createText struct {
	Value string     `json:"value"`
	Pos   [2]float64 `json:"pos"`
	Width float64    `json:"width,omitempty"`
	Font  createFont `json:"font"`
}

type createImage struct {
	Src    string     `json:"src"`
	Pos    [2]float64 `json:"pos"`
	Width  float64    `json:"width,omitempty"`
	Height float64    `json:"height,omitempty"`
}

type createBox struct {
	Pos       [2]float64 `json:"pos"`
	Width     float64    `json:"width"`
	Height    float64    `json:"height"`
	FillColor string     `json:"fillCol,omitempty"`
}

func (r *Renderer) buildDocument(ws workspace, page layout.Page) (*createDoc, error) {
	paper := page.Paper
	if paper == "" {
		paper = r.paper
	}

	var content createContent
	for i, item := range page.Items {
		pos := [2]float64{item.X, item.Y}
		switch item.Type {
		case layout.ItemText:
			font := createFont{Name: item.Font, Size: int(item.FontSize), Color: item.Color}
			if font.Name == "" {
				font.Name = defaultFont
			}
			if font.Size <= 0 {
				font.Size = defaultFontSize
			}
			content.Text = append(content.Text, createText{Value: item.Text, Pos: pos, Width: item.Width, Font: font})
		case layout.ItemBox:
			content.Box = append(content.Box, createBox{Pos: pos, Width: item.Width, Height: item.Height, FillColor: item.Color})
		case layout.ItemImage:
			path, ok, err := writeInlineImage(ws, i, item.Src)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			content.Image = append(content.Image, createImage{Src: path, Pos: pos, Width: item.Width, Height: item.Height})
		}
	}

	return &createDoc{
		Paper:  paper,
		Origin: "UpperLeft",
		Pages:  map[string]*createPage{"1": {Content: content}},
	}, nil
}

// writeInlineImage は data URI の画像をワークスペースに書き出し、そのパスを返します。
func writeInlineImage(ws workspace, index int, src string) (string, bool, error) {
	_, data, err := layout.DecodeDataURI(src)
	if err != nil {
		return "", false, nil
	}
	name := "image-" + strconv.Itoa(index) + mimetype.Detect(data).Extension()
	path := ws.path(name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", false, fmt.Errorf("failed to write image %d: %w", index, err)
	}
	return path, true, nil
}
