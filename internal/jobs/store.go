package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	ownerKeyPrefix = "owner:"
	maxTxRetries   = 32

	fieldID               = "id"
	fieldTitle            = "title"
	fieldStatus           = "status"
	fieldStage            = "stage"
	fieldTotalPages       = "totalPages"
	fieldCompletedPages   = "completedPages"
	fieldOwnerEmail       = "ownerEmail"
	fieldAssignedQuota    = "assignedQuota"
	fieldRequestedBy      = "requestedBy"
	fieldOutputDocumentID = "outputDocumentId"
	fieldErrorCode        = "errorCode"
	fieldErrorMessage     = "errorMessage"
	fieldCreatedAt        = "createdAt"
	fieldUpdatedAt        = "updatedAt"
)

// Store はジョブ状態を Redis に保存します。
//
// ジョブ本体はハッシュ job:<id>、成果物はリスト job:<id>:artifacts、
// 記録済みページ番号はセット job:<id>:pages に置き、
// 完了ページ数と成果物の追加は1つのトランザクションで行います。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl が 0 の場合は期限を設定しません。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create はジョブを新規作成し、所有者の一覧に登録します。
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	key := jobKey(job.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldID:               job.ID,
			fieldTitle:            job.Title,
			fieldStatus:           string(job.Status),
			fieldStage:            string(job.Stage),
			fieldTotalPages:       job.TotalPages,
			fieldCompletedPages:   job.CompletedPages,
			fieldOwnerEmail:       job.OwnerEmail,
			fieldAssignedQuota:    job.AssignedQuota,
			fieldRequestedBy:      job.RequestedBy,
			fieldOutputDocumentID: job.OutputDocumentID,
			fieldCreatedAt:        job.CreatedAt.Format(time.RFC3339Nano),
			fieldUpdatedAt:        job.UpdatedAt.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, ownerKey(job.OwnerEmail), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	var (
		fields    *redis.MapStringStringCmd
		artifacts *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, jobKey(jobID))
		artifacts = pipe.LRange(ctx, artifactsKey(jobID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeJob(fields.Val(), artifacts.Val())
}

// Update は1件のジョブにアトミックな更新を適用し、更新直後の状態を返します。
// ジョブが存在しない場合は nil を返します。
//
// Page が指定された場合、そのページ番号が未記録であれば成果物の追加・
// 完了ページ数の加算・ページ番号の記録を同じ MULTI/EXEC 内で行います。
// 記録済みのページ番号は何も変更しません。
func (s *Store) Update(ctx context.Context, jobID string, upd Update) (*Job, error) {
	key := jobKey(jobID)
	var (
		found     bool
		fields    *redis.MapStringStringCmd
		artifacts *redis.StringSliceCmd
	)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HMGet(ctx, key, fieldID, fieldStage, fieldTotalPages).Result()
		if err != nil {
			return err
		}
		if current[0] == nil {
			found = false
			return nil
		}
		found = true

		applyFields := len(upd.IfStage) == 0 || slices.Contains(upd.IfStage, Stage(asString(current[1])))

		recordPage := false
		var artifact []byte
		if upd.Page != nil {
			total := atoi(asString(current[2]))
			if upd.Page.PageIndex < 0 || upd.Page.PageIndex >= total {
				return fmt.Errorf("page index %d out of range for job %s (total %d)", upd.Page.PageIndex, jobID, total)
			}
			recorded, err := tx.SIsMember(ctx, pagesKey(jobID), upd.Page.PageIndex).Result()
			if err != nil {
				return err
			}
			recordPage = !recorded
			if recordPage {
				artifact, err = json.Marshal(upd.Page)
				if err != nil {
					return err
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			values := map[string]any{fieldUpdatedAt: s.now().Format(time.RFC3339Nano)}
			if applyFields {
				upd.collect(values)
			}
			pipe.HSet(ctx, key, values)
			if recordPage {
				pipe.SAdd(ctx, pagesKey(jobID), upd.Page.PageIndex)
				pipe.RPush(ctx, artifactsKey(jobID), artifact)
				pipe.HIncrBy(ctx, key, fieldCompletedPages, 1)
				if s.ttl > 0 {
					pipe.Expire(ctx, pagesKey(jobID), s.ttl)
					pipe.Expire(ctx, artifactsKey(jobID), s.ttl)
				}
			}
			fields = pipe.HGetAll(ctx, key)
			artifacts = pipe.LRange(ctx, artifactsKey(jobID), 0, -1)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key, pagesKey(jobID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return decodeJob(fields.Val(), artifacts.Val())
	}
	return nil, fmt.Errorf("job %s: transaction retries exceeded", jobID)
}

// ListByOwner は所有者のジョブを新しい順に返します。期限切れのものは除きます。
func (s *Store) ListByOwner(ctx context.Context, ownerEmail string) ([]*Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, ownerKey(ownerEmail), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (u Update) collect(values map[string]any) {
	if u.Status != "" {
		values[fieldStatus] = string(u.Status)
	}
	if u.Stage != "" {
		values[fieldStage] = string(u.Stage)
	}
	if u.OutputDocumentID != "" {
		values[fieldOutputDocumentID] = u.OutputDocumentID
	}
	if u.Error != nil {
		values[fieldErrorCode] = u.Error.Code
		values[fieldErrorMessage] = u.Error.Message
	}
}

func decodeJob(fields map[string]string, rawArtifacts []string) (*Job, error) {
	if len(fields) == 0 || fields[fieldID] == "" {
		return nil, nil
	}
	job := &Job{
		ID:               fields[fieldID],
		Title:            fields[fieldTitle],
		Status:           Status(fields[fieldStatus]),
		Stage:            Stage(fields[fieldStage]),
		TotalPages:       atoi(fields[fieldTotalPages]),
		CompletedPages:   atoi(fields[fieldCompletedPages]),
		OwnerEmail:       fields[fieldOwnerEmail],
		AssignedQuota:    atoi(fields[fieldAssignedQuota]),
		RequestedBy:      fields[fieldRequestedBy],
		OutputDocumentID: fields[fieldOutputDocumentID],
		CreatedAt:        parseTime(fields[fieldCreatedAt]),
		UpdatedAt:        parseTime(fields[fieldUpdatedAt]),
		PageArtifacts:    make([]PageArtifact, 0, len(rawArtifacts)),
	}
	if code := fields[fieldErrorCode]; code != "" {
		job.Error = &ErrorInfo{Code: code, Message: fields[fieldErrorMessage]}
	}
	for _, raw := range rawArtifacts {
		var a PageArtifact
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("job %s: invalid artifact entry: %w", job.ID, err)
		}
		job.PageArtifacts = append(job.PageArtifacts, a)
	}
	return job, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func artifactsKey(id string) string {
	return jobKeyPrefix + id + ":artifacts"
}

func pagesKey(id string) string {
	return jobKeyPrefix + id + ":pages"
}

func ownerKey(email string) string {
	return ownerKeyPrefix + email + ":jobs"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
