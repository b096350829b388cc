package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestImageStatus(t *testing.T) {
	assert.True(t, ImageStatusUnavailable.Valid())
	assert.False(t, ImageStatus("done").Valid())

	assert.True(t, ImageStatusPreparing.InProgress())
	assert.False(t, ImageStatusInspected.InProgress())
	assert.False(t, ImageStatusError.InProgress())
}

func TestMachineImage_RHEL(t *testing.T) {
	tests := []struct {
		name  string
		image MachineImage
		want  bool
	}{
		{name: "no data", image: MachineImage{}, want: false},
		{name: "tagged", image: MachineImage{RHELDetectedByTag: true}, want: true},
		{
			name:  "inspection found rhel",
			image: MachineImage{InspectionJSON: json.RawMessage(`{"rhel_found": true}`)},
			want:  true,
		},
		{
			name:  "inspection found nothing",
			image: MachineImage{InspectionJSON: json.RawMessage(`{"rhel_found": false}`)},
			want:  false,
		},
		{
			name:  "garbage inspection",
			image: MachineImage{InspectionJSON: json.RawMessage(`not json`)},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.image.RHEL())
		})
	}
}

func TestRun_Overlaps(t *testing.T) {
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	next := day.Add(24 * time.Hour)
	before := day.Add(-time.Hour)
	during := day.Add(time.Hour)

	assert.True(t, Run{StartTime: before}.Overlaps(day, next), "open run started before the day")
	assert.True(t, Run{StartTime: during, EndTime: &next}.Overlaps(day, next))
	assert.False(t, Run{StartTime: before, EndTime: &day}.Overlaps(day, next), "ended exactly at start")
	assert.False(t, Run{StartTime: next}.Overlaps(day, next), "started exactly at end")
}

func TestStandardCloudAccountName(t *testing.T) {
	assert.Equal(t, "aws-account-123456789012", StandardCloudAccountName(CloudTypeAWS, "123456789012"))
}
