// Package bootstrap は API サーバーとワーカーで共通の依存関係を組み立てます。
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/yourusername/print-forge/internal/config"
	"github.com/yourusername/print-forge/internal/jobs"
	"github.com/yourusername/print-forge/internal/library"
	"github.com/yourusername/print-forge/internal/pdf"
	"github.com/yourusername/print-forge/internal/storage"
)

// App は組み立て済みのコンポーネントです。
type App struct {
	Config  *config.Config
	Logger  *zap.SugaredLogger
	Redis   *redis.Client
	Library *library.Store
	Jobs    *jobs.Store
	Blobs   storage.BlobStore
	Manager *jobs.Manager

	closers []func() error
}

// New は設定に従って Redis・ストレージ・ジョブマネージャーを初期化します。
// withEngine が true の場合は描画/結合エンジンも用意します（ワーカー用）。
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, withEngine bool) (*App, error) {
	opt, err := redis.ParseURL(cfg.StoreRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	app := &App{
		Config:  cfg,
		Logger:  log,
		Redis:   rdb,
		Library: library.NewStore(rdb),
		Jobs:    jobs.NewStore(rdb, cfg.JobRetention()),
		closers: []func() error{rdb.Close},
	}

	blobs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Blobs = blobs
	if c, ok := blobs.(interface{ Close() error }); ok {
		app.closers = append(app.closers, c.Close)
	}

	deps := jobs.Dependencies{
		Store:   app.Jobs,
		Library: app.Library,
		Blobs:   blobs,
	}
	if withEngine {
		renderer, err := pdf.NewRenderer(cfg.PaperSize, cfg.WorkDir)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		deps.Renderer = renderer
		deps.Merger = pdf.NewMerger()
	}

	manager, err := jobs.NewManager(cfg, deps, log)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Manager = manager
	return app, nil
}

// SeedAdmin は設定された初期管理者を登録します。未設定の場合は何もしません。
func (a *App) SeedAdmin(ctx context.Context) error {
	if a.Config.AppUsername == "" || a.Config.AppPasswordHash == "" {
		a.Logger.Warnw("initial admin is not configured; skipping seed")
		return nil
	}
	admin := &library.User{
		Email:        a.Config.AppUsername,
		Name:         "admin",
		Role:         library.RoleAdmin,
		PasswordHash: a.Config.AppPasswordHash,
	}
	if err := a.Library.SaveUser(ctx, admin); err != nil {
		return fmt.Errorf("failed to seed admin: %w", err)
	}
	a.Logger.Infow("admin user ready", "email", admin.Email, "user_id", admin.ID)
	return nil
}

// Close はマネージャーと接続を閉じます。
func (a *App) Close() error {
	var errs []error
	if a.Manager != nil {
		errs = append(errs, a.Manager.Shutdown(context.Background()))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newBlobStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (storage.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendGCS:
		store, err := storage.NewGCS(ctx, cfg.GCSBucket, cfg.BlobPublicBaseURL, log, gcsClientOptions(cfg)...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BlobBackendLocal:
		store, err := storage.NewLocal(cfg.LocalStorageDir, cfg.BlobPublicBaseURL)
		if err != nil {
			return nil, err
		}
		log.Infow("object storage initialized", "backend", "local", "dir", cfg.LocalStorageDir)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.BlobBackend)
	}
}

// gcsClientOptions は GCS クライアントの追加オプションを返します。
// バケットの所属プロジェクトではなく、API 呼び出しの課金先だけを指定します。
func gcsClientOptions(cfg *config.Config) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.GCPQuotaProject != "" {
		opts = append(opts, option.WithQuotaProject(cfg.GCPQuotaProject))
	}
	return opts
}
