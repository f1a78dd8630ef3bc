package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/yourusername/print-forge/internal/config"
)

// StartWorkers は role に応じたキューのワーカーを起動します。
// 各サーバーは同時に1タスクだけを処理し、ページ単位の並列度はプロセス数で調整します。
func (m *Manager) StartWorkers(role config.WorkerRole) error {
	if m.redisOpt == nil {
		return errors.New("workers require a redis-backed queue")
	}

	var queues []Queue
	switch role {
	case config.RoleRender:
		queues = []Queue{QueueRender}
	case config.RoleMerge:
		queues = []Queue{QueueMerge}
	case config.RoleCombined:
		queues = []Queue{QueueRender, QueueMerge}
	default:
		return fmt.Errorf("unknown worker role: %q", role)
	}

	for _, q := range queues {
		if err := m.startServer(q); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) startServer(q Queue) error {
	switch q {
	case QueueRender:
		if m.renderer == nil {
			return errors.New("render worker requires a renderer")
		}
	case QueueMerge:
		if m.merger == nil {
			return errors.New("merge worker requires a merger")
		}
	}

	srv := asynq.NewServer(m.redisOpt, asynq.Config{
		Concurrency:  1,
		Queues:       map[string]int{string(q): 1},
		Logger:       m.logger.With("queue", string(q)),
		ErrorHandler: asynq.ErrorHandlerFunc(m.handleTaskError),
	})

	mux := asynq.NewServeMux()
	switch q {
	case QueueRender:
		mux.HandleFunc(TaskTypeRenderPage, m.HandleRenderTask)
	case QueueMerge:
		mux.HandleFunc(TaskTypeMerge, m.HandleMergeTask)
	}

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start %s worker: %w", q, err)
	}
	m.servers = append(m.servers, srv)
	m.logger.Infow("worker started", "queue", string(q))
	return nil
}

// handleTaskError はリトライを使い切ったタスク、またはリトライしないタスクのジョブを失敗にします。
// それ以外の失敗はジョブの状態を変えず、再配信に任せます。
func (m *Manager) handleTaskError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	m.recordTaskFailure(ctx, task, err, retried, maxRetry)
}

// retriesExhausted はこれ以上再配信されない失敗かどうかを返します。
func retriesExhausted(retried, maxRetry int, err error) bool {
	return retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
}

func (m *Manager) recordTaskFailure(ctx context.Context, task *asynq.Task, err error, retried, maxRetry int) {
	var ref struct {
		JobID     string `json:"jobId"`
		PageIndex int    `json:"pageIndex"`
	}
	if jsonErr := json.Unmarshal(task.Payload(), &ref); jsonErr != nil || ref.JobID == "" {
		m.logger.Errorw("task failed", "type", task.Type(), "error", err)
		return
	}

	exhausted := retriesExhausted(retried, maxRetry, err)
	m.logger.Warnw("task failed",
		"type", task.Type(), "job_id", ref.JobID, "retried", retried, "max_retry", maxRetry, "final", exhausted, "error", err)
	if !exhausted {
		return
	}

	// 失敗したジョブは以後のタスクをすべて ack するため、アーカイブ済みタスクを再実行しても復活しない
	switch task.Type() {
	case TaskTypeRenderPage:
		m.failJob(ctx, ref.JobID, CodeRenderFailed, fmt.Sprintf("%d ページ目の描画に失敗しました。", ref.PageIndex+1))
	case TaskTypeMerge:
		m.failJob(ctx, ref.JobID, CodeMergeFailed, "ページの結合に失敗しました。")
	}
}
