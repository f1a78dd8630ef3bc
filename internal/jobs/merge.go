package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/print-forge/internal/library"
)

// HandleMergeTask は描画済みページを結合し、成果物と印刷枠を登録します。
//
// ドキュメントIDはジョブIDから決まるため、再配信されても同じレコードを上書きするだけです。
func (m *Manager) HandleMergeTask(ctx context.Context, task *asynq.Task) error {
	var payload MergeTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid merge payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	log := m.logger.With("job_id", payload.JobID)

	job, err := m.store.Get(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		log.Warnw("merge task dropped: job does not exist")
		return nil
	}
	switch {
	case job.Status == StatusCompleted && job.OutputDocumentID != "":
		log.Infow("merge task skipped: job already completed", "document_id", job.OutputDocumentID)
		return nil
	case job.Status == StatusFailed:
		log.Infow("merge task skipped: job failed")
		return nil
	}
	if !job.RenderingDone() {
		return fmt.Errorf("job %s: %d/%d pages rendered", job.ID, job.CompletedPages, job.TotalPages)
	}

	if _, err := m.store.Update(ctx, job.ID, Update{
		Status:  StatusProcessing,
		Stage:   StageMerging,
		IfStage: []Stage{StageQueued, StageRendering, StageMerging},
	}); err != nil {
		return err
	}

	ownerEmail := payload.OwnerEmail
	if ownerEmail == "" {
		ownerEmail = job.OwnerEmail
	}
	owner, err := m.library.FindUserByEmail(ctx, ownerEmail)
	if err != nil {
		return err
	}
	if owner == nil {
		m.failJob(ctx, job.ID, CodeUserNotFound, "ジョブの所有者が見つかりません。")
		return fmt.Errorf("owner %s: %w: %w", ownerEmail, library.ErrUserNotFound, asynq.SkipRetry)
	}

	artifacts := job.SortedArtifacts()
	if len(artifacts) < job.TotalPages {
		return fmt.Errorf("job %s: %d/%d page artifacts recorded", job.ID, len(artifacts), job.TotalPages)
	}

	pages, err := m.fetchPages(ctx, artifacts)
	if err != nil {
		return err
	}

	merged, pageCount, err := m.merger.Merge(ctx, pages)
	if err != nil {
		return fmt.Errorf("merge job %s: %w", job.ID, err)
	}

	obj, err := m.blobs.Put(ctx, merged, pdfContentType, outputPrefix(job.ID))
	if err != nil {
		return fmt.Errorf("store output of job %s: %w", job.ID, err)
	}

	title := job.Title
	if title == "" {
		title = job.ID
	}
	doc := &library.Document{
		ID:          library.DocumentIDForJob(job.ID),
		Title:       title,
		StorageKey:  obj.Key,
		URL:         obj.URL,
		PageCount:   pageCount,
		SourceJobID: job.ID,
	}
	if err := m.library.SaveDocument(ctx, doc); err != nil {
		return err
	}

	quota := job.AssignedQuota
	if payload.AssignedQuota > 0 {
		quota = payload.AssignedQuota
	}
	if _, err := m.library.UpsertGrant(ctx, owner.ID, doc.ID, quota); err != nil {
		return err
	}

	if _, err := m.store.Update(ctx, job.ID, Update{
		Status:           StatusCompleted,
		Stage:            StageCompleted,
		OutputDocumentID: doc.ID,
	}); err != nil {
		return err
	}

	log.Infow("job completed", "document_id", doc.ID, "pages", pageCount, "owner", owner.Email)
	return nil
}

// fetchPages はページ順を保ったまま成果物を並行に取得します。
func (m *Manager) fetchPages(ctx context.Context, artifacts []PageArtifact) ([][]byte, error) {
	pages := make([][]byte, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.MergeFetchParallel
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, a := range artifacts {
		g.Go(func() error {
			data, err := m.blobs.Get(gctx, a.StorageKey)
			if err != nil {
				return fmt.Errorf("fetch page %d (%s): %w", a.PageIndex, a.StorageKey, err)
			}
			pages[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}
