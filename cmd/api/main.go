// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/print-forge/internal/auth"
	"github.com/yourusername/print-forge/internal/bootstrap"
	"github.com/yourusername/print-forge/internal/config"
	"github.com/yourusername/print-forge/internal/logger"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// WORKER_ROLE が指定されていれば同じプロセスでワーカーも動かす
	withWorkers := cfg.WorkerRole != config.RoleNone
	app, err := bootstrap.New(ctx, cfg, logg, withWorkers)
	if err != nil {
		logg.Fatalw("failed to initialize", "error", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logg.Warnw("shutdown finished with errors", "error", err)
		}
	}()

	if err := app.SeedAdmin(ctx); err != nil {
		logg.Fatalw("failed to seed admin", "error", err)
	}
	if withWorkers {
		if err := app.Manager.StartWorkers(cfg.WorkerRole); err != nil {
			logg.Fatalw("failed to start workers", "error", err)
		}
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	authManager := auth.NewManager(cfg, app.Library)
	setupRoutes(router, authManager, &apiHandlers{
		jobs:    app.Manager,
		library: app.Library,
		blobs:   app.Blobs,
		logger:  logg,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logg.Infow("starting API server", "addr", srv.Addr, "mode", cfg.GinMode, "worker_role", cfg.WorkerRole)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatalw("failed to start server", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("server shutdown failed", "error", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "print-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, h *apiHandlers) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.GET("/jobs", h.listJobs)
			protected.GET("/jobs/:id", h.jobStatus)
			protected.GET("/documents/:token/download", h.downloadDocument)

			admin := protected.Group("", authManager.RequireAdmin())
			admin.POST("/jobs", h.assignJob)
			admin.POST("/users", h.createUser)
		}
	}
}
