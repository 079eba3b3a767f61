package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/e2epool/e2epool/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormRunnerRepository struct {
	db *gorm.DB
}

// NewRunnerRepository returns a RunnerRepository backed by the provided *gorm.DB.
func NewRunnerRepository(gdb *gorm.DB) RunnerRepository {
	return &gormRunnerRepository{db: gdb}
}

func (r *gormRunnerRepository) GetByRunnerID(ctx context.Context, runnerID string) (*db.Runner, error) {
	var runner db.Runner
	err := r.db.WithContext(ctx).First(&runner, "runner_id = ? AND is_active = ?", runnerID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runners: get by runner id: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) GetByToken(ctx context.Context, token string) (*db.Runner, error) {
	var runner db.Runner
	err := r.db.WithContext(ctx).First(&runner, "token = ? AND is_active = ?", token, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runners: get by token: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) ListActive(ctx context.Context) ([]db.Runner, error) {
	var rows []db.Runner
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runners: list active: %w", err)
	}
	return rows, nil
}

// Upsert inserts a runner row or updates it in place by runner_id, used by
// the inventory importer to sync a YAML-defined fleet into the database.
func (r *gormRunnerRepository) Upsert(ctx context.Context, runner *db.Runner) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "runner_id"}},
			UpdateAll: true,
		}).
		Create(runner).Error
	if err != nil {
		return fmt.Errorf("runners: upsert: %w", err)
	}
	return nil
}
