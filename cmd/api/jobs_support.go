package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/print-forge/internal/auth"
	"github.com/yourusername/print-forge/internal/jobs"
	"github.com/yourusername/print-forge/internal/library"
)

type jobService interface {
	AssignJob(ctx context.Context, req jobs.AssignRequest) (string, error)
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
	ListJobsForUser(ctx context.Context, userID string) ([]jobs.JobSummary, error)
}

type libraryService interface {
	FindUserByEmail(ctx context.Context, email string) (*library.User, error)
	SaveUser(ctx context.Context, user *library.User) error
	GetDocument(ctx context.Context, id string) (*library.Document, error)
	GrantByToken(ctx context.Context, token string) (*library.Grant, error)
	ConsumePrint(ctx context.Context, token string) (*library.Grant, error)
}

type blobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type apiHandlers struct {
	jobs    jobService
	library libraryService
	blobs   blobReader
	logger  *zap.SugaredLogger
}

func (h *apiHandlers) assignJob(c *gin.Context) {
	var req jobs.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストの JSON が不正です。",
		})
		return
	}
	user, _ := auth.CurrentUser(c)
	req.RequestedBy = user.Email

	jobID, err := h.jobs.AssignJob(c.Request.Context(), req)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (h *apiHandlers) listJobs(c *gin.Context) {
	user, _ := auth.CurrentUser(c)
	summaries, err := h.jobs.ListJobsForUser(c.Request.Context(), user.ID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": summaries})
}

func (h *apiHandlers) jobStatus(c *gin.Context) {
	jobID := c.Param("id")
	if strings.TrimSpace(jobID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	// 他人のジョブは存在しないものとして扱う
	user, _ := auth.CurrentUser(c)
	if !user.IsAdmin() && !strings.EqualFold(job.OwnerEmail, user.Email) {
		h.respondWithError(c, jobs.ErrJobNotFound)
		return
	}

	payload := gin.H{
		"jobId":          job.ID,
		"title":          job.Title,
		"status":         job.Status,
		"stage":          job.Stage,
		"totalPages":     job.TotalPages,
		"completedPages": min(job.CompletedPages, job.TotalPages),
		"updatedAt":      job.UpdatedAt,
	}
	if job.OutputDocumentID != "" {
		payload["outputDocumentId"] = job.OutputDocumentID
	}
	if job.Error != nil {
		payload["error"] = job.Error
	}
	c.JSON(http.StatusOK, payload)
}

type createUserRequest struct {
	Email    string `json:"email" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

func (h *apiHandlers) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください。",
		})
		return
	}
	role := library.Role(req.Role)
	if role == "" {
		role = library.RoleUser
	}
	if role != library.RoleUser && role != library.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "role は user か admin を指定してください。",
		})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.library.FindUserByEmail(ctx, req.Email)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "USER_EXISTS",
			"message": "このメールアドレスのユーザーは既に存在します。",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	user := &library.User{Email: req.Email, Name: req.Name, Role: role, PasswordHash: string(hash)}
	if err := h.library.SaveUser(ctx, user); err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *apiHandlers) downloadDocument(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Param("token")
	user, _ := auth.CurrentUser(c)

	grant, err := h.library.GrantByToken(ctx, token)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	if grant == nil || (grant.UserID != user.ID && !user.IsAdmin()) {
		h.respondWithError(c, library.ErrGrantNotFound)
		return
	}
	if grant.Remaining() == 0 {
		h.respondWithError(c, library.ErrQuotaExhausted)
		return
	}

	doc, err := h.library.GetDocument(ctx, grant.DocumentID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	if doc == nil {
		h.respondWithError(c, library.ErrGrantNotFound)
		return
	}
	data, err := h.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	// 成果物を取得できてから1回分を消費する
	updated, err := h.library.ConsumePrint(ctx, token)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	filename := doc.Title + ".pdf"
	encodedName := url.PathEscape(filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", doc.ID+".pdf", encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Document-Id", doc.ID)
	c.Header("X-Prints-Remaining", strconv.Itoa(updated.Remaining()))
	c.Data(http.StatusOK, "application/pdf", data)
}

func (h *apiHandlers) respondWithError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	switch {
	case errors.As(err, &jobErr):
		status := http.StatusInternalServerError
		switch jobErr.Code {
		case jobs.CodeInvalidInput:
			status = http.StatusBadRequest
		case jobs.CodeUserNotFound, jobs.CodeJobNotFound:
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"code": jobErr.Code, "message": jobErr.Message})
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    jobs.CodeJobNotFound,
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, library.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "USER_NOT_FOUND",
			"message": "ユーザーが見つかりません。",
		})
	case errors.Is(err, library.ErrGrantNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "DOCUMENT_NOT_FOUND",
			"message": "ドキュメントが見つかりません。",
		})
	case errors.Is(err, library.ErrQuotaExhausted):
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "QUOTA_EXHAUSTED",
			"message": "印刷可能回数の上限に達しています。",
		})
	default:
		h.logger.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "処理に失敗しました。",
		})
	}
}
