package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType_Valid(t *testing.T) {
	for _, jt := range AllJobTypes {
		assert.True(t, jt.Valid(), jt)
	}
	assert.False(t, JobType("browser").Valid())
	assert.False(t, JobType("").Valid())
}

func TestJobType_UnmarshalText(t *testing.T) {
	var jt JobType
	require.NoError(t, jt.UnmarshalText([]byte("  Analyze_Log ")))
	assert.Equal(t, TaskAnalyzeLog, jt)

	assert.Error(t, jt.UnmarshalText([]byte("nope")))
}

func TestCreateJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr string
	}{
		{
			name: "valid",
			req:  CreateJobRequest{Type: TaskCopyAMISnapshot, Payload: json.RawMessage(`{"ami_id":"ami-1"}`)},
		},
		{
			name:    "unknown type",
			req:     CreateJobRequest{Type: "nope", Payload: json.RawMessage(`{}`)},
			wantErr: "invalid job type",
		},
		{
			name:    "missing payload",
			req:     CreateJobRequest{Type: TaskAnalyzeLog},
			wantErr: "payload is required",
		},
		{
			name:    "priority out of range",
			req:     CreateJobRequest{Type: TaskAnalyzeLog, Payload: json.RawMessage(`{}`), Priority: 101},
			wantErr: "priority must be between 0 and 100",
		},
		{
			name:    "negative retries",
			req:     CreateJobRequest{Type: TaskAnalyzeLog, Payload: json.RawMessage(`{}`), MaxRetries: -1},
			wantErr: "max retries must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
