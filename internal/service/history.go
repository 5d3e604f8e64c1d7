package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sshcollectorpro/hopshell/internal/database"
	"github.com/sshcollectorpro/hopshell/internal/model"
)

// ErrRunNotFound 执行记录不存在
var ErrRunNotFound = errors.New("run not found")

// HistoryStore 执行历史
type HistoryStore interface {
	Begin(ctx context.Context, run *model.Run) error
	Finish(ctx context.Context, run *model.Run) error
	Recent(ctx context.Context, limit int) ([]model.Run, error)
	Get(ctx context.Context, id string) (*model.Run, error)
}

const (
	historyAttempts = 5
	historyBackoff  = 50 * time.Millisecond
	maxRecent       = 500
)

// GormHistory 基于 gorm 的执行历史
type GormHistory struct {
	db *gorm.DB
}

// NewGormHistory 使用已迁移的数据库
func NewGormHistory(db *gorm.DB) *GormHistory {
	return &GormHistory{db: db}
}

// Begin 写入执行中的记录
func (h *GormHistory) Begin(ctx context.Context, run *model.Run) error {
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	return database.WithRetry(h.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Create(run).Error
	}, historyAttempts, historyBackoff)
}

// Finish 更新结果并写入命令明细
func (h *GormHistory) Finish(ctx context.Context, run *model.Run) error {
	return database.TransactionWithRetry(h.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Model(&model.Run{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
			"chain":         run.Chain,
			"status":        run.Status,
			"error_msg":     run.ErrorMsg,
			"command_count": run.CommandCount,
			"transcript":    run.Transcript,
			"end_time":      run.EndTime,
			"duration":      run.Duration,
		}).Error; err != nil {
			return err
		}
		if len(run.Commands) == 0 {
			return nil
		}
		for i := range run.Commands {
			run.Commands[i].RunID = run.ID
		}
		return tx.Create(&run.Commands).Error
	}, historyAttempts, historyBackoff)
}

// Recent 最近的记录，不含命令明细
func (h *GormHistory) Recent(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}
	var runs []model.Run
	if err := h.db.WithContext(ctx).Order("start_time DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Get 按 ID 读取记录及命令明细
func (h *GormHistory) Get(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	err := h.db.WithContext(ctx).
		Preload("Commands", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return &run, nil
}
