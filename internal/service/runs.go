package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// BuildRuns derives the runs of inst from its events. A power_on opens a run
// unless one is already open, power_off closes it, and an attribute_change
// that alters the instance type splits the open run at the change.
func BuildRuns(inst *model.Instance, events []*model.InstanceEvent) []model.Run {
	sorted := make([]*model.InstanceEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })

	var (
		runs         []model.Run
		open         *model.Run
		instanceType *string
	)
	start := func(at time.Time) {
		open = &model.Run{
			InstanceID:     inst.ID,
			MachineImageID: inst.MachineImageID,
			StartTime:      at.UTC(),
			InstanceType:   instanceType,
		}
	}
	stop := func(at time.Time) {
		end := at.UTC()
		open.EndTime = &end
		runs = append(runs, *open)
		open = nil
	}

	for _, ev := range sorted {
		changed := ev.InstanceType != nil && (instanceType == nil || *instanceType != *ev.InstanceType)
		switch ev.EventType {
		case model.EventPowerOn:
			if changed {
				instanceType = ev.InstanceType
			}
			if open == nil {
				start(ev.OccurredAt)
			}
		case model.EventPowerOff:
			if open != nil {
				stop(ev.OccurredAt)
			}
		case model.EventAttributeChange:
			if !changed {
				continue
			}
			instanceType = ev.InstanceType
			switch {
			case open == nil:
			case !open.StartTime.Before(ev.OccurredAt.UTC()):
				// A change at the run's first instant retypes it instead of
				// leaving an empty run behind.
				open.InstanceType = instanceType
			default:
				stop(ev.OccurredAt)
				start(ev.OccurredAt)
			}
		}
	}
	if open != nil {
		runs = append(runs, *open)
	}
	return runs
}

// RecalculateRuns rebuilds the runs of the instance with id from its events
// using repos, attaching memory and vCPU from the instance definitions.
func RecalculateRuns(ctx context.Context, repos core.Repos, instanceID int64) error {
	inst, err := repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %d: %w", instanceID, err)
	}
	events, err := repos.Instances.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}
	runs := BuildRuns(inst, events)

	definitions := map[string]*model.InstanceDefinition{}
	for i := range runs {
		if runs[i].InstanceType == nil {
			continue
		}
		name := *runs[i].InstanceType
		def, seen := definitions[name]
		if !seen {
			def, err = repos.Definitions.Get(ctx, name)
			if errors.Is(err, data.ErrDefinitionNotFound) {
				def, err = nil, nil
			}
			if err != nil {
				return err
			}
			definitions[name] = def
		}
		if def != nil {
			memory, vcpu := def.Memory, def.VCPU
			runs[i].Memory = &memory
			runs[i].VCPU = &vcpu
		}
	}
	return repos.Runs.ReplaceForInstance(ctx, instanceID, runs)
}
