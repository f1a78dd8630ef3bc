// Package jobs はページ描画/結合パイプラインのジョブ管理を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/print-forge/internal/config"
	"github.com/yourusername/print-forge/internal/layout"
	"github.com/yourusername/print-forge/internal/library"
	"github.com/yourusername/print-forge/internal/storage"
)

// JobStore はジョブレコードの保存先です。
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, upd Update) (*Job, error)
	ListByOwner(ctx context.Context, ownerEmail string) ([]*Job, error)
}

// Library はユーザー検索と成果物・印刷枠の登録を行います。
type Library interface {
	FindUserByEmail(ctx context.Context, email string) (*library.User, error)
	FindUserByID(ctx context.Context, id string) (*library.User, error)
	SaveDocument(ctx context.Context, doc *library.Document) error
	GetDocument(ctx context.Context, id string) (*library.Document, error)
	UpsertGrant(ctx context.Context, userID, documentID string, quota int) (*library.Grant, error)
	ListGrants(ctx context.Context, userID string) ([]*library.Grant, error)
}

// PageRenderer は1ページ分のレイアウトをPDFに描画します。
type PageRenderer interface {
	RenderPage(ctx context.Context, page layout.Page) ([]byte, error)
}

// DocumentMerger はページ単位のPDFを順に結合します。
type DocumentMerger interface {
	Merge(ctx context.Context, pages [][]byte) ([]byte, int, error)
}

// Dependencies は Manager が利用する外部コンポーネントです。
// Queue が nil の場合は設定の QueueRedisURL から Asynq クライアントを作成します。
type Dependencies struct {
	Store    JobStore
	Library  Library
	Blobs    storage.BlobStore
	Renderer PageRenderer
	Merger   DocumentMerger
	Queue    Enqueuer
}

// Manager はジョブの投入と、描画/結合ワーカーの処理を担います。
type Manager struct {
	cfg      *config.Config
	redisOpt asynq.RedisConnOpt
	client   *asynq.Client
	servers  []*asynq.Server
	queue    Enqueuer
	store    JobStore
	library  Library
	blobs    storage.BlobStore
	resolver *layout.Resolver
	renderer PageRenderer
	merger   DocumentMerger
	logger   *zap.SugaredLogger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, deps Dependencies, logger *zap.SugaredLogger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Library == nil {
		return nil, errors.New("library is nil")
	}
	if deps.Blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &Manager{
		cfg:      cfg,
		queue:    deps.Queue,
		store:    deps.Store,
		library:  deps.Library,
		blobs:    deps.Blobs,
		resolver: layout.NewResolver(deps.Blobs, cfg.BlobPublicBaseURL),
		renderer: deps.Renderer,
		merger:   deps.Merger,
		logger:   logger,
	}

	if m.queue == nil {
		opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		m.redisOpt = opt
		m.client = asynq.NewClient(opt)
		m.queue = newAsynqEnqueuer(m.client, map[Queue]QueueOptions{
			QueueRender: {MaxRetry: cfg.RenderMaxRetry, Timeout: cfg.TaskTimeout(), Retention: cfg.TaskRetention()},
			QueueMerge:  {MaxRetry: cfg.MergeMaxRetry, Timeout: cfg.TaskTimeout(), Retention: cfg.TaskRetention()},
		})
	}
	return m, nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, srv := range m.servers {
		srv.Shutdown()
	}
	m.servers = nil
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// AssignJob はジョブを作成し、ページごとの描画タスクを投入してジョブIDを返します。
// 以降の処理はすべて非同期に行われます。
func (m *Manager) AssignJob(ctx context.Context, req AssignRequest) (string, error) {
	owner := strings.ToLower(strings.TrimSpace(req.OwnerEmail))
	if owner == "" {
		return "", newError(CodeInvalidInput, "割り当て先のメールアドレスを指定してください。", nil)
	}
	if req.Quota < 0 {
		return "", newError(CodeInvalidInput, "印刷枠は0以上で指定してください。", nil)
	}
	if len(req.Pages) == 0 {
		return "", newError(CodeInvalidInput, "ページを1つ以上指定してください。", nil)
	}
	if len(req.Pages) > m.cfg.MaxPages {
		return "", newError(CodeInvalidInput, fmt.Sprintf("ページ数が上限（%d）を超えています。", m.cfg.MaxPages), nil)
	}
	for i, page := range req.Pages {
		if err := page.Validate(); err != nil {
			return "", newError(CodeInvalidInput, fmt.Sprintf("%d ページ目のレイアウトが不正です。", i+1), err)
		}
	}

	user, err := m.library.FindUserByEmail(ctx, owner)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", newError(CodeUserNotFound, "割り当て先のユーザーが見つかりません。", library.ErrUserNotFound)
	}

	job := &Job{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(req.Title),
		Status:        StatusProcessing,
		Stage:         StageRendering,
		TotalPages:    len(req.Pages),
		OwnerEmail:    owner,
		AssignedQuota: req.Quota,
		RequestedBy:   req.RequestedBy,
	}
	if err := m.store.Create(ctx, job); err != nil {
		return "", err
	}

	for i, page := range req.Pages {
		payload := RenderTaskPayload{
			JobID:         job.ID,
			PageIndex:     i,
			PageLayout:    page,
			OwnerEmail:    owner,
			AssignedQuota: req.Quota,
			RequestedBy:   req.RequestedBy,
		}
		if _, err := m.queue.Enqueue(ctx, QueueRender, TaskTypeRenderPage, payload, RenderTaskID(job.ID, i)); err != nil {
			m.failJob(ctx, job.ID, CodeEnqueueFailed, "描画タスクの投入に失敗しました。")
			return "", fmt.Errorf("failed to enqueue page %d of job %s: %w", i, job.ID, err)
		}
	}

	m.logger.Infow("job assigned", "job_id", job.ID, "owner", owner, "pages", job.TotalPages)
	return job.ID, nil
}

// GetJob はジョブ情報を取得します。
func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// armMerge は結合タスクを投入し、ジョブを merging に進めます。
// 投入してから Stage を更新するため、途中で落ちてもリコンサイラが拾えます。
func (m *Manager) armMerge(ctx context.Context, job *Job) error {
	payload := MergeTaskPayload{
		JobID:         job.ID,
		OwnerEmail:    job.OwnerEmail,
		AssignedQuota: job.AssignedQuota,
		RequestedBy:   job.RequestedBy,
	}
	enqueued, err := m.queue.Enqueue(ctx, QueueMerge, TaskTypeMerge, payload, MergeTaskID(job.ID))
	if err != nil {
		return fmt.Errorf("failed to enqueue merge for job %s: %w", job.ID, err)
	}
	if _, err := m.store.Update(ctx, job.ID, Update{
		Status:  StatusProcessing,
		Stage:   StageMerging,
		IfStage: []Stage{StageQueued, StageRendering},
	}); err != nil {
		return err
	}
	m.logger.Infow("merge armed", "job_id", job.ID, "enqueued", enqueued)
	return nil
}

// failJob はジョブを失敗状態にします。完了済みのジョブは変更しません。
func (m *Manager) failJob(ctx context.Context, jobID, code, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := m.store.Update(ctx, jobID, Update{
		Status:  StatusFailed,
		Stage:   StageFailed,
		Error:   &ErrorInfo{Code: code, Message: message},
		IfStage: []Stage{StageQueued, StageRendering, StageMerging},
	})
	if err != nil {
		m.logger.Errorw("failed to mark job failed", "job_id", jobID, "error", err)
	}
}
