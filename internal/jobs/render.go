package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/print-forge/internal/library"
)

const pdfContentType = "application/pdf"

// HandleRenderTask はページ描画タスクを1件処理します。
//
// nil を返すとタスクは完了扱い（ack）になり、エラーを返すと Asynq のリトライ対象になります。
// 同じタスクが再配信されても、完了ページ数はページ番号ごとに1回しか加算されません。
func (m *Manager) HandleRenderTask(ctx context.Context, task *asynq.Task) error {
	var payload RenderTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid render payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	log := m.logger.With("job_id", payload.JobID, "page_index", payload.PageIndex)

	job, err := m.store.Get(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		log.Warnw("render task dropped: job does not exist")
		return nil
	}
	if job.Status == StatusCompleted || job.Status == StatusFailed {
		log.Infow("render task skipped: job already finished", "status", job.Status)
		return nil
	}

	// 記録済みのページは描画し直さず、結合の投入だけを確認する
	if _, ok := job.ArtifactKey(payload.PageIndex); ok {
		log.Infow("page already recorded")
		return m.maybeArmMerge(ctx, job, log)
	}

	if _, err := m.store.Update(ctx, job.ID, Update{
		Status:  StatusProcessing,
		Stage:   StageRendering,
		IfStage: []Stage{StageQueued, StageRendering},
	}); err != nil {
		return err
	}

	owner, err := m.library.FindUserByEmail(ctx, payload.OwnerEmail)
	if err != nil {
		return err
	}
	if owner == nil {
		m.failJob(ctx, job.ID, CodeUserNotFound, "ジョブの所有者が見つかりません。")
		return fmt.Errorf("owner %s: %w: %w", payload.OwnerEmail, library.ErrUserNotFound, asynq.SkipRetry)
	}

	resolved, resolveErrs := m.resolver.Resolve(ctx, payload.PageLayout)
	for _, rerr := range resolveErrs {
		log.Warnw("asset reference left unresolved", "error", rerr)
	}

	data, err := m.renderer.RenderPage(ctx, resolved)
	if err != nil {
		return fmt.Errorf("render page %d of job %s: %w", payload.PageIndex, job.ID, err)
	}

	obj, err := m.blobs.Put(ctx, data, pdfContentType, pagePrefix(job.ID))
	if err != nil {
		return fmt.Errorf("store page %d of job %s: %w", payload.PageIndex, job.ID, err)
	}

	updated, err := m.store.Update(ctx, job.ID, Update{
		Page: &PageArtifact{PageIndex: payload.PageIndex, StorageKey: obj.Key},
	})
	if err != nil {
		return err
	}
	if updated == nil {
		log.Warnw("job disappeared while rendering")
		m.discardBlob(ctx, obj.Key, log)
		return nil
	}
	if key, _ := updated.ArtifactKey(payload.PageIndex); key != obj.Key {
		// 並行して届いた同じページの描画が先に記録された
		log.Infow("duplicate page render discarded", "storage_key", obj.Key)
		m.discardBlob(ctx, obj.Key, log)
	}

	log.Infow("page rendered", "completed_pages", updated.CompletedPages, "total_pages", updated.TotalPages)
	return m.maybeArmMerge(ctx, updated, log)
}

// maybeArmMerge は全ページが揃っていれば結合タスクを投入します。
// 完了数の判定は >= で行い、重複した加算があっても結合が1回だけ投入されるようにします。
func (m *Manager) maybeArmMerge(ctx context.Context, job *Job, log *zap.SugaredLogger) error {
	if !job.RenderingDone() {
		return nil
	}
	if job.Status == StatusCompleted || job.OutputDocumentID != "" {
		return nil
	}
	if err := m.armMerge(ctx, job); err != nil {
		log.Errorw("failed to arm merge", "error", err)
		return err
	}
	return nil
}

func (m *Manager) discardBlob(ctx context.Context, key string, log *zap.SugaredLogger) {
	if err := m.blobs.Delete(ctx, key); err != nil {
		log.Warnw("failed to delete blob", "storage_key", key, "error", err)
	}
}

func pagePrefix(jobID string) string {
	return "jobs/" + jobID + "/pages"
}

func outputPrefix(jobID string) string {
	return "jobs/" + jobID + "/output"
}
