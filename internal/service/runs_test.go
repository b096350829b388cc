package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

func ptr[T any](v T) *T { return &v }

func runEvent(kind model.InstanceEventType, at time.Time, instanceType string) *model.InstanceEvent {
	ev := &model.InstanceEvent{EventType: kind, OccurredAt: at}
	if instanceType != "" {
		ev.InstanceType = ptr(instanceType)
	}
	return ev
}

func TestBuildRuns(t *testing.T) {
	inst := &model.Instance{ID: 7, MachineImageID: ptr(int64(3))}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

	tests := []struct {
		name   string
		events []*model.InstanceEvent
		want   []model.Run
	}{
		{
			name: "no events",
			want: nil,
		},
		{
			name:   "power on stays open",
			events: []*model.InstanceEvent{runEvent(model.EventPowerOn, at(1), "t3.small")},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), InstanceType: ptr("t3.small")},
			},
		},
		{
			name: "on off on off, unordered input",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOff, at(2), ""),
				runEvent(model.EventPowerOn, at(1), "t3.small"),
				runEvent(model.EventPowerOff, at(6), ""),
				runEvent(model.EventPowerOn, at(4), ""),
			},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), EndTime: ptr(at(2)), InstanceType: ptr("t3.small")},
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(4), EndTime: ptr(at(6)), InstanceType: ptr("t3.small")},
			},
		},
		{
			name: "repeated power on keeps the first start",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOn, at(1), "t3.small"),
				runEvent(model.EventPowerOn, at(2), ""),
				runEvent(model.EventPowerOff, at(3), ""),
			},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), EndTime: ptr(at(3)), InstanceType: ptr("t3.small")},
			},
		},
		{
			name: "power off without power on",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOff, at(1), ""),
			},
			want: nil,
		},
		{
			name: "type change splits the open run",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOn, at(1), "t3.small"),
				runEvent(model.EventAttributeChange, at(3), "m5.large"),
				runEvent(model.EventPowerOff, at(5), ""),
			},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), EndTime: ptr(at(3)), InstanceType: ptr("t3.small")},
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(3), EndTime: ptr(at(5)), InstanceType: ptr("m5.large")},
			},
		},
		{
			name: "type change at power on retypes the run",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOn, at(1), "t2.micro"),
				runEvent(model.EventAttributeChange, at(1), "m5.large"),
				runEvent(model.EventPowerOff, at(3), ""),
			},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), EndTime: ptr(at(3)), InstanceType: ptr("m5.large")},
			},
		},
		{
			name: "type change while stopped applies to the next run",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOn, at(1), "t3.small"),
				runEvent(model.EventPowerOff, at(2), ""),
				runEvent(model.EventAttributeChange, at(3), "m5.large"),
				runEvent(model.EventPowerOn, at(4), ""),
			},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), EndTime: ptr(at(2)), InstanceType: ptr("t3.small")},
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(4), InstanceType: ptr("m5.large")},
			},
		},
		{
			name: "attribute change to the same type is ignored",
			events: []*model.InstanceEvent{
				runEvent(model.EventPowerOn, at(1), "t3.small"),
				runEvent(model.EventAttributeChange, at(2), "t3.small"),
			},
			want: []model.Run{
				{InstanceID: 7, MachineImageID: ptr(int64(3)), StartTime: at(1), InstanceType: ptr("t3.small")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildRuns(inst, tt.events))
		})
	}
}

func TestRecalculateRuns(t *testing.T) {
	store := newFakeStore()
	user := store.addUser("1234")
	account := store.addAccount(user.ID, testARN, testAWSAccountID)
	img := store.addImage("ami-1", model.ImageStatusInspected)
	inst := store.addInstance(account.ID, "i-1", &img.ID)
	store.definitions["t3.small"] = model.InstanceDefinition{InstanceType: "t3.small", Memory: 2, VCPU: 2}

	ctx := context.Background()
	repos := store.Repos()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := repos.Instances.AddEvent(ctx, model.InstanceEvent{
		InstanceID: inst.ID, EventType: model.EventPowerOn, OccurredAt: t0, InstanceType: ptr("t3.small"),
	})
	require.NoError(t, err)
	_, err = repos.Instances.AddEvent(ctx, model.InstanceEvent{
		InstanceID: inst.ID, EventType: model.EventAttributeChange, OccurredAt: t0.Add(time.Hour), InstanceType: ptr("x9.unknown"),
	})
	require.NoError(t, err)

	require.NoError(t, RecalculateRuns(ctx, repos, inst.ID))

	runs := store.runs[inst.ID]
	require.Len(t, runs, 2)
	assert.Equal(t, 2.0, *runs[0].Memory)
	assert.Equal(t, 2, *runs[0].VCPU)
	assert.Nil(t, runs[1].Memory, "unknown instance types carry no capacity")
	assert.Nil(t, runs[1].EndTime)
}

func TestRecalculateRuns_UnknownInstance(t *testing.T) {
	store := newFakeStore()
	err := RecalculateRuns(context.Background(), store.Repos(), 42)
	require.Error(t, err)
}
