package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// DefinitionService keeps the EC2 instance type definitions current.
type DefinitionService struct {
	store   core.Store
	catalog core.InstanceCatalog
	logger  *slog.Logger
}

// NewDefinitionService constructs a DefinitionService.
func NewDefinitionService(store core.Store, catalog core.InstanceCatalog, logger *slog.Logger) (*DefinitionService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if catalog == nil {
		return nil, errors.New("instance catalog is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefinitionService{store: store, catalog: catalog, logger: logger.With("component", "definition_service")}, nil
}

// Handlers returns the definition task handlers.
func (s *DefinitionService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskRepopulateEC2InstanceMapping: s.repopulate,
	}
}

// Repopulate stores every catalog definition that is not stored yet. Existing
// definitions are never overwritten.
func (s *DefinitionService) Repopulate(ctx context.Context) (int, error) {
	defs, err := s.catalog.InstanceTypeDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	inserted := 0
	err = s.store.InTx(ctx, func(tx core.Repos) error {
		inserted = 0
		for _, name := range names {
			def := defs[name]
			if def.CloudType == "" {
				def.CloudType = model.CloudTypeAWS
			}
			ok, err := tx.Definitions.InsertIfMissing(ctx, def)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "repopulated instance definitions", "seen", len(names), "inserted", inserted)
	return inserted, nil
}

func (s *DefinitionService) repopulate(ctx context.Context, _ *model.Job) error {
	_, err := s.Repopulate(ctx)
	return err
}
