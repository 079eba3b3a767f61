package inventory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/repositories"
)

// Importer syncs a YAML-defined fleet into the runners table, used by
// `e2epoolctl import-inventory`.
type Importer struct {
	runners repositories.RunnerRepository
	logger  *zap.Logger
}

// NewImporter constructs an Importer.
func NewImporter(runners repositories.RunnerRepository, logger *zap.Logger) *Importer {
	return &Importer{runners: runners, logger: logger.Named("inventory_importer")}
}

// Result summarizes what Import did (or would do, for a dry run).
type Result struct {
	RunnerIDs []string
}

// Import reads path, validates every runner definition, and — unless
// dryRun is set — upserts each one into the runners table. Validation
// failures abort before any row is written, so a bad entry never leaves
// the fleet partially imported.
func (imp *Importer) Import(ctx context.Context, path string, dryRun bool) (Result, error) {
	rows, err := (YAMLSource{Path: path}).Load()
	if err != nil {
		return Result{}, err
	}

	result := Result{RunnerIDs: make([]string, 0, len(rows))}
	for i := range rows {
		result.RunnerIDs = append(result.RunnerIDs, rows[i].RunnerID)
		if dryRun {
			continue
		}
		if err := imp.runners.Upsert(ctx, &rows[i]); err != nil {
			return result, fmt.Errorf("inventory: upsert runner %q: %w", rows[i].RunnerID, err)
		}
	}

	if dryRun {
		imp.logger.Info("import-inventory dry run", zap.Int("runners", len(result.RunnerIDs)))
	} else {
		imp.logger.Info("import-inventory applied", zap.Int("runners", len(result.RunnerIDs)))
	}
	return result, nil
}
