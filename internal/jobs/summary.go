package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/yourusername/print-forge/internal/library"
)

// ListJobsForUser はユーザーが閲覧できる完成済みドキュメントと進行中のジョブを新しい順に返します。
//
// 一覧の取得に先立ってリコンサイラを実行し、結合待ちで止まっているジョブに結合タスクを投入します。
// リコンサイラの失敗は一覧の取得を妨げません。
func (m *Manager) ListJobsForUser(ctx context.Context, userID string) ([]JobSummary, error) {
	user, err := m.library.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", userID, library.ErrUserNotFound)
	}

	if _, err := m.Reconcile(ctx, user.Email); err != nil {
		m.logger.Warnw("reconcile failed", "user_id", userID, "error", err)
	}

	grants, err := m.library.ListGrants(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	summaries := make([]JobSummary, 0, len(grants))
	documents := make(map[string]struct{}, len(grants))
	for _, grant := range grants {
		doc, err := m.library.GetDocument(ctx, grant.DocumentID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		documents[doc.ID] = struct{}{}
		summaries = append(summaries, JobSummary{
			Kind:             SummaryDocument,
			ID:               doc.ID,
			JobID:            doc.SourceJobID,
			Title:            doc.Title,
			Status:           StatusCompleted,
			Stage:            StageCompleted,
			TotalPages:       doc.PageCount,
			CompletedPages:   doc.PageCount,
			OutputDocumentID: doc.ID,
			Quota:            grant.Quota,
			UsedPrints:       grant.UsedPrints,
			AccessToken:      grant.Token,
			CreatedAt:        doc.CreatedAt,
		})
	}

	jobs, err := m.store.ListByOwner(ctx, user.Email)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.OutputDocumentID != "" {
			if _, ok := documents[job.OutputDocumentID]; ok {
				continue
			}
		}
		summaries = append(summaries, JobSummary{
			Kind:             SummaryJob,
			ID:               job.ID,
			JobID:            job.ID,
			Title:            job.Title,
			Status:           job.Status,
			Stage:            job.Stage,
			TotalPages:       job.TotalPages,
			CompletedPages:   min(job.CompletedPages, job.TotalPages),
			OutputDocumentID: job.OutputDocumentID,
			Quota:            job.AssignedQuota,
			Error:            job.Error,
			CreatedAt:        job.CreatedAt,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}
