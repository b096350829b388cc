// Package core defines the repository ports and small services shared by cloudigrade's task handlers.
package core

import (
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// JobType is re-exported for HTTP handlers.
type JobType = model.JobType

// CreateJobRequest is re-exported for HTTP handlers.
type CreateJobRequest = model.CreateJobRequest
