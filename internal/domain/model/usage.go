package model

import "time"

// Run is a contiguous period during which an instance was running.
type Run struct {
	ID             int64      `json:"run_id"           db:"id"`
	InstanceID     int64      `json:"instance_id"      db:"instance_id"`
	MachineImageID *int64     `json:"machine_image_id" db:"machine_image_id"`
	StartTime      time.Time  `json:"start_time"       db:"start_time"`
	EndTime        *time.Time `json:"end_time"         db:"end_time"`
	InstanceType   *string    `json:"instance_type"    db:"instance_type"`
	Memory         *float64   `json:"memory"           db:"memory"`
	VCPU           *int       `json:"vcpu"             db:"vcpu"`
}

// Overlaps reports whether the run was active at any point in [start, end).
func (r Run) Overlaps(start, end time.Time) bool {
	if !r.StartTime.Before(end) {
		return false
	}
	return r.EndTime == nil || r.EndTime.After(start)
}

// InstanceDefinition describes the capacity of an EC2 instance type.
type InstanceDefinition struct {
	InstanceType string  `json:"instance_type" db:"instance_type"`
	Memory       float64 `json:"memory"        db:"memory"`
	VCPU         int     `json:"vcpu"          db:"vcpu"`
	CloudType    string  `json:"cloud_type"    db:"cloud_type"`
}

// ConcurrentUsage is the daily maximum of concurrently running RHEL instances.
type ConcurrentUsage struct {
	ID             int64     `json:"-"                db:"id"`
	Date           time.Time `json:"date"             db:"date"`
	UserID         int64     `json:"user_id"          db:"user_id"`
	CloudAccountID *int64    `json:"cloud_account_id" db:"cloud_account_id"`
	Instances      int       `json:"instances"        db:"instances"`
	Memory         float64   `json:"memory"           db:"memory"`
	VCPU           int       `json:"vcpu"             db:"vcpu"`
	InstancesList  []int64   `json:"instances_list"   db:"instances_list"`
	CreatedAt      time.Time `json:"-"                db:"created_at"`
}

// CloudAccountOverview summarizes one account's activity over a period.
type CloudAccountOverview struct {
	ID                 int64     `json:"id"`
	CloudAccountID     string    `json:"cloud_account_id"`
	UserID             int64     `json:"user_id"`
	Type               string    `json:"type"`
	ARN                string    `json:"arn"`
	CreationDate       time.Time `json:"creation_date"`
	Name               string    `json:"name"`
	Images             int       `json:"images"`
	Instances          int       `json:"instances"`
	RHELInstances      int       `json:"rhel_instances"`
	OpenShiftInstances int       `json:"openshift_instances"`
}

// OverviewQuery selects the accounts and period for an overview report.
type OverviewQuery struct {
	Start       time.Time
	End         time.Time
	UserID      int64
	AccountID   *int64
	NamePattern string
}

// RunWithContext is a run joined with the account and image facts reporting needs.
type RunWithContext struct {
	Run
	CloudAccountID int64
	RHEL           bool
	OpenShift      bool
}

// UsageQuery selects stored concurrent usage rows.
type UsageQuery struct {
	UserID         int64
	CloudAccountID *int64
	Start          time.Time
	End            time.Time
	Limit          int
	Offset         int
}
