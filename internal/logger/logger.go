// Package logger は zap ベースの構造化ロガーを提供します。
package logger

import (
	"strings"

	"go.uber.org/zap"
)

// New はモードに応じた SugaredLogger を作成します。
func New(mode string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return zapLogger.Sugar(), nil
}

// Nop はテストや未設定時に使う何も出力しないロガーです。
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
