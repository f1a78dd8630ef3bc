package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Queue はタスクを流すキューの名前です。
type Queue string

const (
	QueueRender Queue = "render"
	QueueMerge  Queue = "merge"
)

const (
	TaskTypeRenderPage = "page:render"
	TaskTypeMerge      = "job:merge"
)

// RenderTaskID はページ描画タスクの重複排除キーです。
func RenderTaskID(jobID string, pageIndex int) string {
	return fmt.Sprintf("%s:page:%d", jobID, pageIndex)
}

// MergeTaskID は結合タスクの重複排除キーです。
// 描画ワーカーとリコンサイラの双方がこのキーで投入するため、結合タスクは1つに集約されます。
func MergeTaskID(jobID string) string {
	return jobID + ":merge"
}

// Enqueuer はタスクをキューに投入します。
// 同じ taskID のタスクが既に存在する場合は投入せず、enqueued=false を返します。
type Enqueuer interface {
	Enqueue(ctx context.Context, queue Queue, taskType string, payload any, taskID string) (enqueued bool, err error)
}

// QueueOptions はキューごとのリトライ等の設定です。
type QueueOptions struct {
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

type asynqEnqueuer struct {
	client *asynq.Client
	opts   map[Queue]QueueOptions
}

func newAsynqEnqueuer(client *asynq.Client, opts map[Queue]QueueOptions) *asynqEnqueuer {
	return &asynqEnqueuer{client: client, opts: opts}
}

func (e *asynqEnqueuer) Enqueue(ctx context.Context, queue Queue, taskType string, payload any, taskID string) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	options := []asynq.Option{asynq.Queue(string(queue)), asynq.TaskID(taskID)}
	if o, ok := e.opts[queue]; ok {
		options = append(options, asynq.MaxRetry(o.MaxRetry))
		if o.Timeout > 0 {
			options = append(options, asynq.Timeout(o.Timeout))
		}
		// 完了済みタスクの ID を残し、完了後に届いた重複投入も抑止する
		if o.Retention > 0 {
			options = append(options, asynq.Retention(o.Retention))
		}
	}

	task := asynq.NewTask(taskType, body)
	if _, err := e.client.EnqueueContext(ctx, task, options...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
