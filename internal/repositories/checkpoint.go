package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/e2epool/e2epool/internal/db"
	"gorm.io/gorm"
)

type gormCheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository returns a CheckpointRepository backed by the
// provided *gorm.DB.
func NewCheckpointRepository(gdb *gorm.DB) CheckpointRepository {
	return &gormCheckpointRepository{db: gdb}
}

func (r *gormCheckpointRepository) Create(ctx context.Context, cp *db.Checkpoint) error {
	if err := r.db.WithContext(ctx).Create(cp).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("checkpoints: create: %w", err)
	}
	return nil
}

func (r *gormCheckpointRepository) GetByName(ctx context.Context, name string) (*db.Checkpoint, error) {
	var cp db.Checkpoint
	err := r.db.WithContext(ctx).First(&cp, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoints: get by name: %w", err)
	}
	return &cp, nil
}

func (r *gormCheckpointRepository) GetActiveForRunner(ctx context.Context, runnerID string) (*db.Checkpoint, error) {
	var cp db.Checkpoint
	err := r.db.WithContext(ctx).
		Where("runner_id = ? AND state IN ?", runnerID, db.ActiveStates).
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoints: get active for runner: %w", err)
	}
	return &cp, nil
}

func (r *gormCheckpointRepository) GetActiveByJobID(ctx context.Context, jobID string) (*db.Checkpoint, error) {
	var cp db.Checkpoint
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND state IN ?", jobID, db.ActiveStates).
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoints: get active by job id: %w", err)
	}
	return &cp, nil
}

func (r *gormCheckpointRepository) GetMostRecentFinalized(ctx context.Context, runnerID string) (*db.Checkpoint, error) {
	var cp db.Checkpoint
	err := r.db.WithContext(ctx).
		Where("runner_id = ? AND finalized_at IS NOT NULL", runnerID).
		Order("finalized_at DESC").
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoints: get most recent finalized: %w", err)
	}
	return &cp, nil
}

func (r *gormCheckpointRepository) UpdateState(ctx context.Context, name, expectedState, newState string, finalizeStatus, finalizeSource *string, finalizedAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Checkpoint{}).
		Where("name = ? AND state = ?", name, expectedState).
		Updates(map[string]interface{}{
			"state":           newState,
			"finalize_status": finalizeStatus,
			"finalize_source": finalizeSource,
			"finalized_at":    finalizedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("checkpoints: update state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCheckpointRepository) ForceState(ctx context.Context, id uint, newState string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Checkpoint{}).
		Where("id = ?", id).
		Update("state", newState)
	if result.Error != nil {
		return fmt.Errorf("checkpoints: force state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCheckpointRepository) ListStaleCreated(ctx context.Context, cutoff time.Time, page PageOptions) ([]db.Checkpoint, error) {
	var rows []db.Checkpoint
	err := r.db.WithContext(ctx).
		Where("state = ? AND created_at < ? AND id > ?", db.StateCreated, cutoff, page.AfterID).
		Order("id ASC").
		Limit(page.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoints: list stale created: %w", err)
	}
	return rows, nil
}

func (r *gormCheckpointRepository) ListByState(ctx context.Context, state string, page PageOptions) ([]db.Checkpoint, error) {
	var rows []db.Checkpoint
	err := r.db.WithContext(ctx).
		Where("state = ? AND id > ?", state, page.AfterID).
		Order("id ASC").
		Limit(page.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoints: list by state: %w", err)
	}
	return rows, nil
}
