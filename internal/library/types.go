// Package library はユーザー、生成済みドキュメント、閲覧権限（印刷枠）を Redis で管理します。
package library

import (
	"errors"
	"time"
)

var (
	// ErrUserNotFound はユーザーが存在しない場合に返されます。
	ErrUserNotFound = errors.New("user not found")
	// ErrGrantNotFound は閲覧権限が存在しない場合に返されます。
	ErrGrantNotFound = errors.New("grant not found")
	// ErrQuotaExhausted は印刷枠を使い切っている場合に返されます。
	ErrQuotaExhausted = errors.New("print quota exhausted")
)

// Role はユーザーの権限です。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User はログイン可能なユーザーです。
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsAdmin は管理者かどうかを返します。
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Document は結合済みの成果物ドキュメントです。
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	StorageKey  string    `json:"storageKey"`
	URL         string    `json:"url"`
	PageCount   int       `json:"pageCount"`
	SourceJobID string    `json:"sourceJobId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Grant はユーザーがドキュメントを印刷できる回数の枠です。
type Grant struct {
	UserID     string    `json:"userId"`
	DocumentID string    `json:"documentId"`
	Quota      int       `json:"quota"`
	UsedPrints int       `json:"usedPrints"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Remaining は残りの印刷可能回数を返します。
func (g *Grant) Remaining() int {
	if g == nil || g.UsedPrints >= g.Quota {
		return 0
	}
	return g.Quota - g.UsedPrints
}

// DocumentIDForJob はジョブから生成されるドキュメントのIDです。
// 結合タスクが再配信されても同じレコードを更新するため、ジョブIDから決定的に導出します。
func DocumentIDForJob(jobID string) string {
	return "job-" + jobID
}
