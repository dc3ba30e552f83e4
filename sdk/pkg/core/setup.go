package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/config"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/consent"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/storage"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/upload"
)

// NewFromConfig 从配置文件装载的配置构建 Core 并注册其中声明的 Features
//
// 典型用法：
//
//	if err := config.Setup("telemetry.yml"); err != nil { ... }
//	logger.Setup()
//	core, err := core.NewFromConfig(ctx, config.AppConfig)
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is nil")
	}
	if cfg.Application == nil || cfg.Storage == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("core: application, storage and transport config sections are required")
	}

	initial := consent.StatusPending
	maxPending := 0
	if cfg.Consent != nil {
		status, err := consent.ParseStatus(cfg.Consent.Initial)
		if err != nil {
			return nil, err
		}
		initial = status
		maxPending = cfg.Consent.MaxPending
	}

	c, err := New(Options{
		AppID:            cfg.Application.AppID,
		AppName:          cfg.Application.Name,
		Env:              cfg.Application.Env,
		ServiceVersion:   cfg.Application.ServiceVersion,
		StorageRoot:      cfg.Storage.Root,
		InitialConsent:   initial,
		MaxPendingWrites: maxPending,
		DefaultTransport: upload.NewHTTPTransport(
			cfg.Transport.Endpoint,
			cfg.Transport.APIKey,
			time.Duration(cfg.Transport.TimeoutSeconds)*time.Second,
		),
	})
	if err != nil {
		return nil, err
	}

	for _, fc := range cfg.Features {
		reg := Registration{
			Name:    fc.Name,
			Storage: storageConfig(cfg.Storage, fc.Name),
		}
		if fc.Endpoint != "" {
			reg.Transport = upload.NewHTTPTransport(
				fc.Endpoint,
				cfg.Transport.APIKey,
				time.Duration(cfg.Transport.TimeoutSeconds)*time.Second,
			)
		}
		if cfg.Upload != nil {
			reg.Uploader, reg.Scheduler = uploadConfigs(cfg.Upload)
		}
		if err := c.Register(ctx, reg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// storageConfig 把配置文件中的存储段映射为单个 Feature 的存储配置
// 未设置的字段保持默认值
func storageConfig(cfg *config.Storage, feature string) *storage.Config {
	sc := storage.DefaultConfig(filepath.Join(cfg.Root, feature))
	if cfg.MaxBatchSize > 0 {
		sc.MaxBatchSize = cfg.MaxBatchSize
	}
	if cfg.MaxBatchEvents > 0 {
		sc.MaxBatchEvents = cfg.MaxBatchEvents
	}
	if cfg.MaxBatchAgeSeconds > 0 {
		sc.MaxBatchAge = time.Duration(cfg.MaxBatchAgeSeconds) * time.Second
	}
	if cfg.MaxStorageSize > 0 {
		sc.MaxStorageSize = cfg.MaxStorageSize
	}
	return sc
}

// uploadConfigs 把配置文件中的上传段映射为上传器/调度器配置
func uploadConfigs(cfg *config.Upload) (*upload.UploaderConfig, *upload.SchedulerConfig) {
	uploaderConfig := upload.DefaultUploaderConfig()
	if cfg.MaxAttempts > 0 {
		uploaderConfig.MaxAttempts = cfg.MaxAttempts
	}

	schedulerConfig := upload.DefaultSchedulerConfig()
	if cfg.MinIntervalSeconds > 0 {
		schedulerConfig.MinInterval = time.Duration(cfg.MinIntervalSeconds) * time.Second
	}
	if cfg.MaxIntervalSeconds > 0 {
		schedulerConfig.MaxInterval = time.Duration(cfg.MaxIntervalSeconds) * time.Second
	}
	if cfg.RatePerSecond > 0 {
		schedulerConfig.RatePerSecond = cfg.RatePerSecond
	}
	return uploaderConfig, schedulerConfig
}
