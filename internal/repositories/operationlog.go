package repositories

import (
	"context"
	"fmt"

	"github.com/e2epool/e2epool/internal/db"
	"gorm.io/gorm"
)

type gormOperationLogRepository struct {
	db *gorm.DB
}

// NewOperationLogRepository returns an OperationLogRepository backed by the
// provided *gorm.DB.
func NewOperationLogRepository(gdb *gorm.DB) OperationLogRepository {
	return &gormOperationLogRepository{db: gdb}
}

func (r *gormOperationLogRepository) Create(ctx context.Context, entry *db.OperationLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("operation_logs: create: %w", err)
	}
	return nil
}

func (r *gormOperationLogRepository) ListByCheckpoint(ctx context.Context, checkpointID uint) ([]db.OperationLog, error) {
	var rows []db.OperationLog
	if err := r.db.WithContext(ctx).
		Where("checkpoint_id = ?", checkpointID).
		Order("started_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("operation_logs: list by checkpoint: %w", err)
	}
	return rows, nil
}
