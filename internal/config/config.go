// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// WorkerRole はワーカープロセスが担当するキューを表します。
type WorkerRole string

const (
	RoleNone     WorkerRole = ""
	RoleRender   WorkerRole = "render"
	RoleMerge    WorkerRole = "merge"
	RoleCombined WorkerRole = "combined"
)

// BlobBackend は成果物の保存先を表します。
type BlobBackend string

const (
	BlobBackendLocal BlobBackend = "local"
	BlobBackendGCS   BlobBackend = "gcs"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 初期管理者（ログイン用メールアドレスと bcrypt ハッシュ）
	AppUsername     string
	AppPasswordHash string
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ設定
	MaxPages           int // 1ジョブあたりの最大ページ数
	JobRetentionHours  int // ジョブレコードの保持期間（0 は無期限）
	MergeFetchParallel int // 結合時に並列で取得するページ数

	// キュー/ワーカー設定
	QueueRedisURL      string     // Asynq用Redis接続URL
	StoreRedisURL      string     // ジョブ/ライブラリ用Redis接続URL
	WorkerRole         WorkerRole // render | merge | combined
	TaskTimeoutSeconds int        // タスク1件あたりのタイムアウト
	RenderMaxRetry     int
	MergeMaxRetry      int
	TaskRetentionHours int // 完了タスクIDを保持する時間（重複投入の抑止に使用）

	// 保存先設定
	BlobBackend       BlobBackend
	LocalStorageDir   string
	BlobPublicBaseURL string

	// 描画設定
	PaperSize string // pdfcpu の用紙指定 (例: A4P)
	WorkDir   string // 描画用の一時ディレクトリ

	// ログ設定
	LogMode string // development | production

	// GCP設定（本番環境用）
	GCPQuotaProject string // API の課金/クォータに使うGCPプロジェクトID
	GCSBucket       string // Google Cloud Storageバケット名
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	queueURL := getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")
	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxPages:           getEnvAsInt("MAX_PAGES", 200),
		JobRetentionHours:  getEnvAsInt("JOB_RETENTION_HOURS", 0),
		MergeFetchParallel: getEnvAsInt("MERGE_FETCH_CONCURRENCY", 4),

		QueueRedisURL:      queueURL,
		StoreRedisURL:      getEnv("STORE_REDIS_URL", queueURL),
		WorkerRole:         WorkerRole(getEnv("WORKER_ROLE", "")),
		TaskTimeoutSeconds: getEnvAsInt("TASK_TIMEOUT_SECONDS", 120),
		RenderMaxRetry:     getEnvAsInt("RENDER_MAX_RETRY", 5),
		MergeMaxRetry:      getEnvAsInt("MERGE_MAX_RETRY", 5),
		TaskRetentionHours: getEnvAsInt("TASK_RETENTION_HOURS", 24),

		BlobBackend:       BlobBackend(getEnv("BLOB_BACKEND", string(BlobBackendLocal))),
		LocalStorageDir:   getEnv("LOCAL_STORAGE_DIR", filepath.Join(os.TempDir(), "print-forge", "blobs")),
		BlobPublicBaseURL: getEnv("BLOB_PUBLIC_BASE_URL", ""),

		PaperSize: getEnv("PAPER_SIZE", "A4P"),
		WorkDir:   getEnv("WORK_DIR", filepath.Join(os.TempDir(), "print-forge", "work")),

		LogMode: getEnv("LOG_MODE", "development"),

		GCPQuotaProject: getEnv("GCP_QUOTA_PROJECT", ""),
		GCSBucket:       getEnv("GCS_BUCKET", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("MAX_PAGES must be positive: %d", c.MaxPages)
	}

	switch c.WorkerRole {
	case RoleNone, RoleRender, RoleMerge, RoleCombined:
	default:
		return fmt.Errorf("WORKER_ROLE must be one of render, merge, combined (received: %s)", c.WorkerRole)
	}

	switch c.BlobBackend {
	case BlobBackendLocal:
		if c.LocalStorageDir == "" {
			return fmt.Errorf("LOCAL_STORAGE_DIR is required for local blob backend")
		}
	case BlobBackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required for gcs blob backend")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be local or gcs (received: %s)", c.BlobBackend)
	}

	// 本番環境では認証まわりを厳格にチェックする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// TaskTimeout はタスク1件あたりのタイムアウトを返します。
func (c *Config) TaskTimeout() time.Duration {
	if c.TaskTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// TaskRetention は完了済みタスクIDを保持する期間を返します。
func (c *Config) TaskRetention() time.Duration {
	if c.TaskRetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.TaskRetentionHours) * time.Hour
}

// JobRetention はジョブレコードのTTLを返します（0 は無期限）。
func (c *Config) JobRetention() time.Duration {
	if c.JobRetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.JobRetentionHours) * time.Hour
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
