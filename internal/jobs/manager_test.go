package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/yourusername/print-forge/internal/config"
	"github.com/yourusername/print-forge/internal/layout"
	"github.com/yourusername/print-forge/internal/library"
	"github.com/yourusername/print-forge/internal/logger"
	"github.com/yourusername/print-forge/internal/storage"
)

type queuedTask struct {
	id   string
	task *asynq.Task
}

type fakeQueue struct {
	mu    sync.Mutex
	seen  map[string]bool
	tasks map[Queue][]queuedTask
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: map[string]bool{}, tasks: map[Queue][]queuedTask{}}
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue Queue, taskType string, payload any, taskID string) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[taskID] {
		return false, nil
	}
	q.seen[taskID] = true
	q.tasks[queue] = append(q.tasks[queue], queuedTask{id: taskID, task: asynq.NewTask(taskType, body)})
	return true, nil
}

func (q *fakeQueue) ids(queue Queue) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks[queue]))
	for _, t := range q.tasks[queue] {
		out = append(out, t.id)
	}
	return out
}

func (q *fakeQueue) list(queue Queue) []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedTask(nil), q.tasks[queue]...)
}

type memBlobs struct {
	mu   sync.Mutex
	next int
	data map[string][]byte
	fail map[string]bool
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: map[string][]byte{}, fail: map[string]bool{}}
}

func (b *memBlobs) Put(ctx context.Context, data []byte, contentType, keyPrefix string) (*storage.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	key := fmt.Sprintf("%s/%d.pdf", keyPrefix, b.next)
	b.data[key] = append([]byte(nil), data...)
	return &storage.Object{Key: key, URL: b.URL(key)}, nil
}

func (b *memBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[key] {
		return nil, errors.New("backend unavailable")
	}
	data, ok := b.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBlobs) URL(key string) string {
	return "https://blobs.example.com/" + key
}

func (b *memBlobs) keys(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

func (b *memBlobs) set(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = []byte(value)
}

// textRenderer はページ内のテキストをそのまま成果物として返します。
// during が設定されていれば描画中に呼び出されます。
type textRenderer struct {
	mu     sync.Mutex
	calls  int
	pages  []layout.Page
	during func()
}

func (r *textRenderer) RenderPage(ctx context.Context, page layout.Page) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.pages = append(r.pages, page)
	if r.during != nil {
		r.during()
	}
	var parts []string
	for _, item := range page.Items {
		if item.Type == layout.ItemText {
			parts = append(parts, item.Text)
		}
	}
	return []byte(strings.Join(parts, "")), nil
}

type joinMerger struct{}

func (joinMerger) Merge(ctx context.Context, pages [][]byte) ([]byte, int, error) {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = string(p)
	}
	return []byte(strings.Join(parts, "|")), len(pages), nil
}

type harness struct {
	manager  *Manager
	store    *Store
	library  *library.Store
	queue    *fakeQueue
	blobs    *memBlobs
	renderer *textRenderer
	owner    *library.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rdb := newTestRedis(t)
	h := &harness{
		store:    NewStore(rdb, 0),
		library:  library.NewStore(rdb),
		queue:    newFakeQueue(),
		blobs:    newMemBlobs(),
		renderer: &textRenderer{},
	}
	h.owner = &library.User{Email: "owner@example.com", Name: "Owner", Role: library.RoleUser}
	if err := h.library.SaveUser(context.Background(), h.owner); err != nil {
		t.Fatalf("SaveUser returned error: %v", err)
	}

	cfg := &config.Config{MaxPages: 10, MergeFetchParallel: 2, BlobPublicBaseURL: "https://blobs.example.com"}
	m, err := NewManager(cfg, Dependencies{
		Store:    h.store,
		Library:  h.library,
		Blobs:    h.blobs,
		Renderer: h.renderer,
		Merger:   joinMerger{},
		Queue:    h.queue,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	h.manager = m
	return h
}

func textPage(text string) layout.Page {
	return layout.Page{Items: []layout.Item{{Type: layout.ItemText, X: 10, Y: 10, Text: text}}}
}

func (h *harness) runAll(t *testing.T, queue Queue) {
	t.Helper()
	ctx := context.Background()
	for _, qt := range h.queue.list(queue) {
		var err error
		switch queue {
		case QueueRender:
			err = h.manager.HandleRenderTask(ctx, qt.task)
		case QueueMerge:
			err = h.manager.HandleMergeTask(ctx, qt.task)
		}
		if err != nil {
			t.Fatalf("task %s returned error: %v", qt.id, err)
		}
	}
}

func (h *harness) job(t *testing.T, id string) *Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s not found", id)
	}
	return job
}

func TestEndToEndTwoPageJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	jobID, err := h.manager.AssignJob(ctx, AssignRequest{
		OwnerEmail: "Owner@Example.com",
		Quota:      5,
		Title:      "Handout",
		Pages:      []layout.Page{textPage("first"), textPage("second")},
	})
	if err != nil {
		t.Fatalf("AssignJob returned error: %v", err)
	}

	renderIDs := h.queue.ids(QueueRender)
	want := []string{jobID + ":page:0", jobID + ":page:1"}
	if strings.Join(renderIDs, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected render tasks: %v", renderIDs)
	}
	if got := h.job(t, jobID); got.Status != StatusProcessing || got.Stage != StageRendering {
		t.Fatalf("unexpected initial state: %s/%s", got.Status, got.Stage)
	}

	h.runAll(t, QueueRender)

	mergeIDs := h.queue.ids(QueueMerge)
	if len(mergeIDs) != 1 || mergeIDs[0] != jobID+":merge" {
		t.Fatalf("expected exactly one merge task, got %v", mergeIDs)
	}
	if got := h.job(t, jobID); got.CompletedPages != 2 || got.Stage != StageMerging {
		t.Fatalf("unexpected state after render: completed=%d stage=%s", got.CompletedPages, got.Stage)
	}

	h.runAll(t, QueueMerge)

	job := h.job(t, jobID)
	if job.Status != StatusCompleted || job.Stage != StageCompleted {
		t.Fatalf("expected completed job, got %s/%s", job.Status, job.Stage)
	}
	if job.OutputDocumentID != library.DocumentIDForJob(jobID) {
		t.Fatalf("unexpected output document id: %q", job.OutputDocumentID)
	}

	doc, err := h.library.GetDocument(ctx, job.OutputDocumentID)
	if err != nil || doc == nil {
		t.Fatalf("expected document, got %v (err=%v)", doc, err)
	}
	if doc.PageCount != 2 || doc.Title != "Handout" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	merged, err := h.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		t.Fatalf("output blob missing: %v", err)
	}
	if string(merged) != "first|second" {
		t.Fatalf("unexpected merged output: %q", merged)
	}

	grant, err := h.library.GetGrant(ctx, h.owner.ID, doc.ID)
	if err != nil || grant == nil {
		t.Fatalf("expected grant, got %v (err=%v)", grant, err)
	}
	if grant.Quota != 5 || grant.UsedPrints != 0 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestRenderRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	jobID, err := h.manager.AssignJob(ctx, AssignRequest{
		OwnerEmail: "owner@example.com",
		Quota:      1,
		Pages:      []layout.Page{textPage("a"), textPage("b")},
	})
	if err != nil {
		t.Fatalf("AssignJob returned error: %v", err)
	}
	h.runAll(t, QueueRender)
	calls := h.renderer.calls

	// 両ページを再配信する
	h.runAll(t, QueueRender)

	job := h.job(t, jobID)
	if job.CompletedPages != 2 {
		t.Fatalf("expected completedPages=2, got %d", job.CompletedPages)
	}
	if len(job.PageArtifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(job.PageArtifacts))
	}
	if h.renderer.calls != calls {
		t.Fatalf("recorded pages must not be rendered again (calls %d -> %d)", calls, h.renderer.calls)
	}
	if ids := h.queue.ids(QueueMerge); len(ids) != 1 {
		t.Fatalf("expected one merge task, got %v", ids)
	}
}

func TestMergeOrdersPagesByIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	createTestJob(t, h.store, "job1", 3)

	h.blobs.set("pages/a", "A")
	h.blobs.set("pages/b", "B")
	h.blobs.set("pages/c", "C")
	for _, a := range []PageArtifact{
		{PageIndex: 2, StorageKey: "pages/a"},
		{PageIndex: 0, StorageKey: "pages/b"},
		{PageIndex: 1, StorageKey: "pages/c"},
	} {
		if _, err := h.store.Update(ctx, "job1", Update{Page: &a}); err != nil {
			t.Fatalf("Update returned error: %v", err)
		}
	}

	body, _ := json.Marshal(MergeTaskPayload{JobID: "job1", OwnerEmail: "owner@example.com", AssignedQuota: 3})
	if err := h.manager.HandleMergeTask(ctx, asynq.NewTask(TaskTypeMerge, body)); err != nil {
		t.Fatalf("HandleMergeTask returned error: %v", err)
	}

	doc, err := h.library.GetDocument(ctx, library.DocumentIDForJob("job1"))
	if err != nil || doc == nil {
		t.Fatalf("expected document, got %v (err=%v)", doc, err)
	}
	merged, _ := h.blobs.Get(ctx, doc.StorageKey)
	if string(merged) != "B|C|A" {
		t.Fatalf("expected B|C|A, got %q", merged)
	}

	// 完了後の再配信は何もしない
	if err := h.manager.HandleMergeTask(ctx, asynq.NewTask(TaskTypeMerge, body)); err != nil {
		t.Fatalf("redelivered merge returned error: %v", err)
	}
}

func TestMergeWaitsForAllPages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	createTestJob(t, h.store, "job1", 2)
	h.blobs.set("pages/a", "A")
	if _, err := h.store.Update(ctx, "job1", Update{Page: &PageArtifact{PageIndex: 0, StorageKey: "pages/a"}}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	body, _ := json.Marshal(MergeTaskPayload{JobID: "job1", OwnerEmail: "owner@example.com"})
	err := h.manager.HandleMergeTask(ctx, asynq.NewTask(TaskTypeMerge, body))
	if err == nil {
		t.Fatal("expected merge to be retried while pages are missing")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("incomplete rendering must be retriable: %v", err)
	}
	if got := h.job(t, "job1"); got.Status == StatusCompleted || got.Status == StatusFailed {
		t.Fatalf("unexpected status: %s", got.Status)
	}
}

func TestMergeFetchFailureIsRetriable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	createTestJob(t, h.store, "job1", 1)
	h.blobs.set("pages/a", "A")
	h.blobs.fail["pages/a"] = true
	if _, err := h.store.Update(ctx, "job1", Update{Page: &PageArtifact{PageIndex: 0, StorageKey: "pages/a"}}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	body, _ := json.Marshal(MergeTaskPayload{JobID: "job1", OwnerEmail: "owner@example.com"})
	if err := h.manager.HandleMergeTask(ctx, asynq.NewTask(TaskTypeMerge, body)); err == nil {
		t.Fatal("expected fetch failure to surface")
	}
	if got := h.job(t, "job1"); got.Stage != StageMerging || got.Status != StatusProcessing {
		t.Fatalf("failed merge must stay in merging, got %s/%s", got.Status, got.Stage)
	}
}

func TestReconcileArmsStalledJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	createTestJob(t, h.store, "job1", 3)
	for i := 0; i < 3; i++ {
		if _, err := h.store.Update(ctx, "job1", Update{Page: &PageArtifact{PageIndex: i, StorageKey: fmt.Sprintf("k%d", i)}}); err != nil {
			t.Fatalf("Update returned error: %v", err)
		}
	}
	createTestJob(t, h.store, "busy", 2)

	armed, err := h.manager.Reconcile(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if armed != 1 {
		t.Fatalf("expected 1 job armed, got %d", armed)
	}
	if got := h.job(t, "job1"); got.Stage != StageMerging {
		t.Fatalf("expected stage merging, got %s", got.Stage)
	}
	if ids := h.queue.ids(QueueMerge); len(ids) != 1 || ids[0] != "job1:merge" {
		t.Fatalf("unexpected merge tasks: %v", ids)
	}

	armed, err = h.manager.Reconcile(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if armed != 0 {
		t.Fatalf("merging job must not be armed again, got %d", armed)
	}
}

func TestRenderDropsMissingJob(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(RenderTaskPayload{JobID: "ghost", PageIndex: 0, PageLayout: textPage("x"), OwnerEmail: "owner@example.com"})
	if err := h.manager.HandleRenderTask(context.Background(), asynq.NewTask(TaskTypeRenderPage, body)); err != nil {
		t.Fatalf("missing job must be acked, got %v", err)
	}
	if h.renderer.calls != 0 {
		t.Fatalf("renderer must not be called, got %d calls", h.renderer.calls)
	}
}

func TestRenderMissingOwnerFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := &Job{ID: "job1", Status: StatusProcessing, Stage: StageRendering, TotalPages: 1, OwnerEmail: "ghost@example.com"}
	if err := h.store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	body, _ := json.Marshal(RenderTaskPayload{JobID: "job1", PageIndex: 0, PageLayout: textPage("x"), OwnerEmail: "ghost@example.com"})
	err := h.manager.HandleRenderTask(ctx, asynq.NewTask(TaskTypeRenderPage, body))
	if !errors.Is(err, library.ErrUserNotFound) || !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected non-retriable user-not-found error, got %v", err)
	}

	got := h.job(t, "job1")
	if got.Status != StatusFailed || got.Stage != StageFailed {
		t.Fatalf("expected failed job, got %s/%s", got.Status, got.Stage)
	}
	if got.Error == nil || got.Error.Code != CodeUserNotFound {
		t.Fatalf("unexpected error info: %+v", got.Error)
	}
}

func TestRenderResolvesBlobReferences(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.blobs.set("assets/ok.png", "\x89PNG\r\n\x1a\n")

	page := layout.Page{Items: []layout.Item{
		{Type: layout.ItemText, Text: "caption"},
		{Type: layout.ItemImage, Src: "blob://assets/ok.png", Width: 10, Height: 10},
		{Type: layout.ItemImage, Src: "blob://assets/missing.png", Width: 10, Height: 10},
	}}
	jobID, err := h.manager.AssignJob(ctx, AssignRequest{OwnerEmail: "owner@example.com", Quota: 1, Pages: []layout.Page{page}})
	if err != nil {
		t.Fatalf("AssignJob returned error: %v", err)
	}
	h.runAll(t, QueueRender)

	if len(h.renderer.pages) != 1 {
		t.Fatalf("expected one render call, got %d", len(h.renderer.pages))
	}
	items := h.renderer.pages[0].Items
	if !strings.HasPrefix(items[1].Src, "data:") {
		t.Fatalf("expected resolved reference, got %q", items[1].Src)
	}
	if items[2].Src != "blob://assets/missing.png" {
		t.Fatalf("failed reference must be preserved, got %q", items[2].Src)
	}
	if got := h.job(t, jobID); got.CompletedPages != 1 {
		t.Fatalf("expected page to complete, got %d", got.CompletedPages)
	}
}

func TestAssignJobValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cases := []struct {
		name string
		req  AssignRequest
		code string
	}{
		{"no owner", AssignRequest{Pages: []layout.Page{textPage("a")}}, CodeInvalidInput},
		{"no pages", AssignRequest{OwnerEmail: "owner@example.com"}, CodeInvalidInput},
		{"negative quota", AssignRequest{OwnerEmail: "owner@example.com", Quota: -1, Pages: []layout.Page{textPage("a")}}, CodeInvalidInput},
		{"inline image", AssignRequest{OwnerEmail: "owner@example.com", Pages: []layout.Page{{Items: []layout.Item{{Type: layout.ItemImage, Src: "data:image/png;base64,AA=="}}}}}, CodeInvalidInput},
		{"unknown owner", AssignRequest{OwnerEmail: "ghost@example.com", Pages: []layout.Page{textPage("a")}}, CodeUserNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.manager.AssignJob(ctx, tc.req)
			var jobErr *Error
			if !errors.As(err, &jobErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if jobErr.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, jobErr.Code)
			}
		})
	}
	if ids := h.queue.ids(QueueRender); len(ids) != 0 {
		t.Fatalf("rejected requests must not enqueue tasks, got %v", ids)
	}
}

func TestListJobsForUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	doneID, err := h.manager.AssignJob(ctx, AssignRequest{OwnerEmail: "owner@example.com", Quota: 2, Title: "done", Pages: []layout.Page{textPage("a")}})
	if err != nil {
		t.Fatalf("AssignJob returned error: %v", err)
	}
	h.runAll(t, QueueRender)
	h.runAll(t, QueueMerge)

	pendingID, err := h.manager.AssignJob(ctx, AssignRequest{OwnerEmail: "owner@example.com", Quota: 2, Title: "pending", Pages: []layout.Page{textPage("b"), textPage("c")}})
	if err != nil {
		t.Fatalf("AssignJob returned error: %v", err)
	}

	summaries, err := h.manager.ListJobsForUser(ctx, h.owner.ID)
	if err != nil {
		t.Fatalf("ListJobsForUser returned error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %+v", summaries)
	}

	byJob := map[string]JobSummary{}
	for _, s := range summaries {
		byJob[s.JobID] = s
	}
	done := byJob[doneID]
	if done.Kind != SummaryDocument || done.Status != StatusCompleted || done.OutputDocumentID == "" {
		t.Fatalf("unexpected completed summary: %+v", done)
	}
	if done.AccessToken == "" || done.UsedPrints != 0 || done.Quota != 2 {
		t.Fatalf("unexpected grant fields: %+v", done)
	}
	pending := byJob[pendingID]
	if pending.Kind != SummaryJob || pending.Stage != StageRendering || pending.TotalPages != 2 || pending.CompletedPages != 0 {
		t.Fatalf("unexpected in-flight summary: %+v", pending)
	}

	if _, err := h.manager.ListJobsForUser(ctx, "nobody"); !errors.Is(err, library.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
