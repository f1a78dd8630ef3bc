package jobs

import (
	"sort"
	"time"

	"github.com/yourusername/print-forge/internal/layout"
)

// Status はジョブの大まかな実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage はパイプライン上のジョブの位置を表します（Status より細かい）。
type Stage string

const (
	StageQueued    Stage = "queued"
	StageRendering Stage = "rendering"
	StageMerging   Stage = "merging"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PageArtifact は描画済みページの保存先です。
type PageArtifact struct {
	PageIndex  int    `json:"pageIndex"`
	StorageKey string `json:"storageKey"`
}

// Job は複数ページのドキュメント生成1件分の状態です。
type Job struct {
	ID               string         `json:"id"`
	Title            string         `json:"title,omitempty"`
	Status           Status         `json:"status"`
	Stage            Stage          `json:"stage"`
	TotalPages       int            `json:"totalPages"`
	CompletedPages   int            `json:"completedPages"`
	PageArtifacts    []PageArtifact `json:"pageArtifacts"`
	OwnerEmail       string         `json:"ownerEmail"`
	AssignedQuota    int            `json:"assignedQuota"`
	RequestedBy      string         `json:"requestedBy"`
	OutputDocumentID string         `json:"outputDocumentId,omitempty"`
	Error            *ErrorInfo     `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// RenderingDone は全ページの描画が記録済みかどうかを返します。
func (j *Job) RenderingDone() bool {
	return j.TotalPages > 0 && j.CompletedPages >= j.TotalPages
}

// ArtifactKey は pageIndex に最初に記録された保存キーを返します。
func (j *Job) ArtifactKey(pageIndex int) (string, bool) {
	for _, a := range j.PageArtifacts {
		if a.PageIndex == pageIndex {
			return a.StorageKey, true
		}
	}
	return "", false
}

// SortedArtifacts はページ番号の昇順に並べた成果物を返します。
// 同じページ番号が重複している場合は最初に記録されたものを採用します。
func (j *Job) SortedArtifacts() []PageArtifact {
	seen := make(map[int]struct{}, len(j.PageArtifacts))
	out := make([]PageArtifact, 0, len(j.PageArtifacts))
	for _, a := range j.PageArtifacts {
		if _, ok := seen[a.PageIndex]; ok {
			continue
		}
		seen[a.PageIndex] = struct{}{}
		out = append(out, a)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].PageIndex < out[b].PageIndex
	})
	return out
}

// Update はジョブへのアトミックな更新内容です。
type Update struct {
	Status           Status
	Stage            Stage
	OutputDocumentID string
	Error            *ErrorInfo

	// IfStage が空でない場合、上記フィールドは現在の Stage が含まれるときだけ反映されます。
	IfStage []Stage

	// Page は未記録のページであれば成果物に追加し、完了ページ数を1増やします。
	Page *PageArtifact
}

// RenderTaskPayload はページ描画タスクのペイロードです。
type RenderTaskPayload struct {
	JobID         string      `json:"jobId"`
	PageIndex     int         `json:"pageIndex"`
	PageLayout    layout.Page `json:"pageLayout"`
	OwnerEmail    string      `json:"ownerEmail"`
	AssignedQuota int         `json:"assignedQuota"`
	RequestedBy   string      `json:"requestedBy"`
}

// MergeTaskPayload は結合タスクのペイロードです。
type MergeTaskPayload struct {
	JobID         string `json:"jobId"`
	OwnerEmail    string `json:"ownerEmail"`
	AssignedQuota int    `json:"assignedQuota"`
	RequestedBy   string `json:"requestedBy"`
}

// AssignRequest はジョブ作成の入力です。
type AssignRequest struct {
	OwnerEmail  string        `json:"ownerEmail"`
	Quota       int           `json:"quota"`
	Title       string        `json:"title"`
	RequestedBy string        `json:"-"`
	Pages       []layout.Page `json:"pages"`
}

// SummaryKind は一覧項目の種別です。
type SummaryKind string

const (
	SummaryDocument SummaryKind = "document"
	SummaryJob      SummaryKind = "job"
)

// JobSummary はユーザー向け一覧の1項目です。
type JobSummary struct {
	Kind             SummaryKind `json:"kind"`
	ID               string      `json:"id"`
	JobID            string      `json:"jobId,omitempty"`
	Title            string      `json:"title,omitempty"`
	Status           Status      `json:"status"`
	Stage            Stage       `json:"stage"`
	TotalPages       int         `json:"totalPages"`
	CompletedPages   int         `json:"completedPages"`
	OutputDocumentID string      `json:"outputDocumentId,omitempty"`
	Quota            int         `json:"quota"`
	UsedPrints       int         `json:"usedPrints"`
	AccessToken      string      `json:"accessToken,omitempty"`
	Error            *ErrorInfo  `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}
