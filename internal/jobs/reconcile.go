package jobs

import "context"

// needsMerge は全ページ描画済みなのに結合が投入されていないジョブかどうかを判定します。
func needsMerge(job *Job) bool {
	if job.TotalPages <= 0 || job.CompletedPages < job.TotalPages {
		return false
	}
	if job.Stage == StageMerging || job.OutputDocumentID != "" {
		return false
	}
	return job.Status != StatusCompleted && job.Status != StatusFailed
}

// Reconcile は ownerEmail のジョブのうち結合待ちで止まっているものに結合タスクを投入し、
// 投入したジョブの件数を返します。個々のジョブの失敗はログに残して続行します。
func (m *Manager) Reconcile(ctx context.Context, ownerEmail string) (int, error) {
	jobs, err := m.store.ListByOwner(ctx, ownerEmail)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, job := range jobs {
		if !needsMerge(job) {
			continue
		}
		if err := m.armMerge(ctx, job); err != nil {
			m.logger.Warnw("reconcile: failed to arm merge", "job_id", job.ID, "error", err)
			continue
		}
		armed++
	}
	if armed > 0 {
		m.logger.Infow("reconcile: merges armed", "owner", ownerEmail, "count", armed)
	}
	return armed, nil
}
