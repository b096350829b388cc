package testutil

import (
	"context"
	"database/sql"
	"time"
)

// Fixture inserts use plain SQL so repository packages can share them
// without an import cycle.

// InsertUser stores a user and returns its id.
func InsertUser(t TestingTB, db *sql.DB, accountNumber string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO users (account_number, org_id) VALUES ($1, $2) RETURNING id`,
		accountNumber, "org-"+accountNumber).Scan(&id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

// InsertAccount stores an enabled AWS cloud account created at createdAt.
func InsertAccount(t TestingTB, db *sql.DB, userID int64, awsAccountID string, createdAt time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO cloud_accounts (user_id, name, enabled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3) RETURNING id
	`, userID, "aws-account-"+awsAccountID, createdAt).Scan(&id)
	if err != nil {
		t.Fatalf("insert cloud account: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO aws_cloud_accounts (cloud_account_id, aws_account_id, account_arn, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, awsAccountID, "arn:aws:iam::"+awsAccountID+":role/cloudigrade", createdAt); err != nil {
		t.Fatalf("insert aws cloud account: %v", err)
	}
	return id
}

// ImageFixture describes a machine image row.
type ImageFixture struct {
	AMIID     string
	Status    string
	RHELTag   bool
	OpenShift bool
	RHELFound bool
}

// InsertImage stores a machine image and returns its id.
func InsertImage(t TestingTB, db *sql.DB, img ImageFixture) int64 {
	t.Helper()
	status := img.Status
	if status == "" {
		status = "inspected"
	}
	var inspection any
	if img.RHELFound {
		inspection = `{"rhel_found": true}`
	}
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO machine_images (ec2_ami_id, status, rhel_detected_by_tag, openshift_detected, inspection_json, region)
		VALUES ($1, $2, $3, $4, $5::jsonb, 'us-east-1') RETURNING id
	`, img.AMIID, status, img.RHELTag, img.OpenShift, inspection).Scan(&id)
	if err != nil {
		t.Fatalf("insert machine image: %v", err)
	}
	return id
}

// InsertInstance stores an instance in us-east-1 and returns its id.
func InsertInstance(t TestingTB, db *sql.DB, accountID int64, ec2ID string, imageID *int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO instances (cloud_account_id, ec2_instance_id, region, machine_image_id)
		VALUES ($1, $2, 'us-east-1', $3) RETURNING id
	`, accountID, ec2ID, imageID).Scan(&id)
	if err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	return id
}

// InsertRun stores a run; a nil end leaves it open.
func InsertRun(t TestingTB, db *sql.DB, instanceID int64, imageID *int64, start time.Time, end *time.Time) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), `
		INSERT INTO runs (instance_id, machine_image_id, start_time, end_time, instance_type, memory, vcpu)
		VALUES ($1, $2, $3, $4, 't3.large', 8, 2)
	`, instanceID, imageID, start, end); err != nil {
		t.Fatalf("insert run: %v", err)
	}
}
