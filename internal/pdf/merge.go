package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Merger はページ単位のPDFを1つのドキュメントに結合します。
type Merger struct{}

// NewMerger は Merger を作成します。
func NewMerger() *Merger {
	return &Merger{}
}

// Merge は pages を与えられた順に結合し、結合後のPDFと総ページ数を返します。
// 各ページは別セッションで生成されたドキュメントでもよく、内容は再エンコードしません。
func (m *Merger) Merge(ctx context.Context, pages [][]byte) ([]byte, int, error) {
	if len(pages) == 0 {
		return nil, 0, newError("INVALID_INPUT", "結合するページがありません。", nil)
	}

	readers := make([]io.ReadSeeker, len(pages))
	total := 0
	for i, data := range pages {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		n, err := CountPages(data)
		if err != nil {
			return nil, 0, newError("UNSUPPORTED_PDF", fmt.Sprintf("%d 番目のページを読み込めませんでした。", i+1), err)
		}
		total += n
		readers[i] = bytes.NewReader(data)
	}

	if len(pages) == 1 {
		return append([]byte(nil), pages[0]...), total, nil
	}

	var out bytes.Buffer
	if err := pdfapi.MergeRaw(readers, &out, false, model.NewDefaultConfiguration()); err != nil {
		return nil, 0, newError("MERGE_FAILED", "PDFの結合に失敗しました。", err)
	}
	return out.Bytes(), total, nil
}

// CountPages はPDFのページ数を返します。
func CountPages(data []byte) (int, error) {
	return pdfapi.PageCount(bytes.NewReader(data), model.NewDefaultConfiguration())
}
